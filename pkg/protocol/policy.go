package protocol

import "github.com/bassosimone/runtimex"

// Policy holds the cache settings a responder stamps on its responses.
//
// Example:
//
//	policy := protocol.Policy{CacheResult: true, CacheControl: protocol.MaxCacheControl}
//	resp := policy.ErrorResponse(err)
type Policy struct {
	CacheResult  bool
	CacheControl uint16
}

// NoCache marks every response as not cacheable.
var NoCache = Policy{}

// Options returns the options of a response with the given status. Server
// errors are never cacheable whatever the policy says.
func (p Policy) Options(status Status) Options {
	if status == StatusServerError {
		return Options{}
	}
	return Options{CacheResult: p.CacheResult, CacheControl: p.CacheControl}
}

// ErrorResponse builds the response reporting err, with the status chosen by
// [StatusOf]. err must not be nil.
func (p Policy) ErrorResponse(err error) *Header {
	runtimex.Assert(err != nil)
	status := StatusOf(err)
	return runtimex.PanicOnError1(NewError(status, err.Error(), p.Options(status)))
}
