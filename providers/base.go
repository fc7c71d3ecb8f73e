package providers

// Base provides the name and default model shared by provider
// implementations.
type Base struct {
	name  string
	model string
}

// Name returns the provider name.
func (b *Base) Name() string { return b.name }

// DefaultModel returns the model used when a request leaves Model empty.
func (b *Base) DefaultModel() string { return b.model }

func (b *Base) resolveModel(model string) string {
	if model == "" {
		return b.model
	}
	return model
}
