package cache

// ScoreKeyOpts captures everything that changes a scoring response.
type ScoreKeyOpts struct {
	Mode  string   // "diagram" or "plot"
	Model string   // model name, empty for providers without one
	IDs   []string // candidate ids in presentation order
	Limit int      // number of examples requested
}

// Keyer derives cache keys. Swap implementations to namespace keys, e.g.
// per tenant when several servers share one Redis.
type Keyer interface {
	ScoreKey(query string, opts ScoreKeyOpts) string
}

// DefaultKeyer produces keys of the form "scores:<sha256>".
type DefaultKeyer struct{}

// NewDefaultKeyer returns the default keyer.
func NewDefaultKeyer() Keyer { return DefaultKeyer{} }

// ScoreKey hashes the query together with the scoring options.
func (DefaultKeyer) ScoreKey(query string, opts ScoreKeyOpts) string {
	return hashKey("scores", query, opts.Mode, opts.Model, opts.IDs, opts.Limit)
}

// PrefixKeyer prepends a fixed namespace to another keyer's keys.
type PrefixKeyer struct {
	inner  Keyer
	prefix string
}

// NewPrefixKeyer wraps inner (DefaultKeyer when nil) with prefix.
func NewPrefixKeyer(inner Keyer, prefix string) Keyer {
	if inner == nil {
		inner = NewDefaultKeyer()
	}
	return &PrefixKeyer{inner: inner, prefix: prefix}
}

// ScoreKey returns the prefixed inner key.
func (k *PrefixKeyer) ScoreKey(query string, opts ScoreKeyOpts) string {
	return k.prefix + k.inner.ScoreKey(query, opts)
}
