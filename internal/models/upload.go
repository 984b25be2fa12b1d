package models

// UploadOutcome is the terminal result of an upload. ContentURI and
// ErrorMessage are empty when absent. ResponseCode is the server status,
// or -1 when no response was obtained.
type UploadOutcome struct {
	UploadID     string `json:"upload_id"`
	ContentURI   string `json:"content_uri,omitempty"`
	ResponseCode int    `json:"response_code"`
	ErrorMessage string `json:"error,omitempty"`
}

// Succeeded reports whether the upload produced a content URI.
func (o UploadOutcome) Succeeded() bool {
	return o.ResponseCode == 200 && o.ContentURI != ""
}
