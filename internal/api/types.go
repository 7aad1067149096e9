package api

// ErrorResponse is the JSON error body returned by the services.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// SignReadRequest asks the signing service to sign one storage key.
type SignReadRequest struct {
	Key string `json:"key"`
}

// FetchResult is the body of a fetched source url.
type FetchResult struct {
	Data        []byte
	ContentType string
}
