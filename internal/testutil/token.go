package testutil

// FixedToken always returns the same playback token.
//
// Two runs of a harness scenario with the same FixedToken produce
// byte-identical traces. Implements run.TokenGenerator.
type FixedToken string

// Generate returns the token, or "test-token-default" when empty.
func (t FixedToken) Generate() string {
	if t == "" {
		return "test-token-default"
	}
	return string(t)
}
