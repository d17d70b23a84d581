package webhook

// Policy sets per-provider admission and verification behavior.
type Policy struct {
	// SignatureHeader names the request header carrying the provider's
	// signature. Empty means the provider does not sign its callbacks.
	SignatureHeader string

	// RejectUnsigned rejects callbacks whose signature is missing or does
	// not verify. The default is to accept them: providers in this space
	// sign inconsistently, and a dropped completion callback strands a run.
	// Failed verification is always logged either way.
	RejectUnsigned bool

	// MaxBodyBytes caps the callback body size. Zero applies the default.
	MaxBodyBytes int64
}

// DefaultMaxBodyBytes caps callback bodies when a policy does not set its
// own limit.
const DefaultMaxBodyBytes int64 = 1 << 20

func (p Policy) maxBody() int64 {
	if p.MaxBodyBytes > 0 {
		return p.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}
