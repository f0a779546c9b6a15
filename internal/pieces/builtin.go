package pieces

// RegisterBuiltins registers the builtin piece set: http, delay, and
// webhook. These exist to exercise the invocation and pause contracts;
// production pieces register the same way from the outside.
func RegisterBuiltins(r Registry, httpCfg HTTPConfig) error {
	builtins := []Piece{
		NewHTTPPiece(httpCfg),
		NewDelayPiece(),
		NewWebhookPiece(),
	}
	for _, p := range builtins {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}
