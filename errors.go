package mcpgate

import "fmt"

// ErrLLM is a provider-level failure: the backend was reached but the
// request could not be built, sent, or its response decoded. Task records
// classify it as error type "llm_error".
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx status from a provider API, with the response body
// for diagnosis. Task records classify it as error type "http_error".
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
