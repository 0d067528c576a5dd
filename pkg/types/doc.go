// Package types holds the records shared by the pipeline stages, the
// session manager, the memory store and the channel protocol.
//
// Items are immutable once retrieved. SummaryResults are created by the
// worker pool and never mutated afterwards. CrossRef and Report are
// produced once per run.
package types
