package contracts

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// NewErrorResponse creates an error response from err
func NewErrorResponse(err error) ErrorResponse {
	if err == nil {
		return ErrorResponse{Detail: "unknown error"}
	}
	return ErrorResponse{Detail: err.Error()}
}
