package casestore

type document struct {
	name string
	data []byte
}

type options struct {
	builtin bool
	docs    []document
}

// Option applies a configuration option to Load.
type Option func(*options)

// WithoutBuiltin skips the embedded cases.
func WithoutBuiltin() Option {
	return func(o *options) { o.builtin = false }
}

// WithDocument adds an in-memory case document, loaded after every directory.
func WithDocument(name string, data []byte) Option {
	return func(o *options) {
		o.docs = append(o.docs, document{name: name, data: data})
	}
}
