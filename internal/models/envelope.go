package models

import "net/http"

// Image is one normalized output image. URL is null when no usable source was
// supplied by the vendor; renderers skip such entries.
type Image struct {
	URL           *string `json:"url"`
	InlineData    string  `json:"inlineData,omitempty"`
	RevisedPrompt string  `json:"revisedPrompt,omitempty"`
	ContentType   string  `json:"contentType,omitempty"`
	FileName      string  `json:"fileName,omitempty"`
	FileSize      int64   `json:"fileSize,omitempty"`
}

// ResponseData is the success variant of the envelope.
type ResponseData struct {
	Content        string   `json:"content"`
	Images         []Image  `json:"images,omitempty"`
	Description    string   `json:"description,omitempty"`
	ProviderID     string   `json:"providerId"`
	ModelID        string   `json:"modelId"`
	ResponseID     string   `json:"responseId"`
	FinishReason   string   `json:"finishReason,omitempty"`
	Usage          *Usage   `json:"usage,omitempty"`
	InputFileNames []string `json:"inputFileNames"`
	InputFileSizes []int64  `json:"inputFileSizes"`
	HasImages      bool     `json:"hasImages"`
}

// UnifiedResponse is the envelope returned by every endpoint.
type UnifiedResponse struct {
	Success bool          `json:"success"`
	Data    *ResponseData `json:"data,omitempty"`
	Error   *ErrorInfo    `json:"error,omitempty"`
}

// Succeed wraps data in a success envelope, deriving HasImages.
func Succeed(data ResponseData) UnifiedResponse {
	data.HasImages = len(data.Images) > 0
	if data.InputFileNames == nil {
		data.InputFileNames = []string{}
	}
	if data.InputFileSizes == nil {
		data.InputFileSizes = []int64{}
	}
	return UnifiedResponse{Success: true, Data: &data}
}

// Fail wraps info in a failure envelope.
func Fail(info ErrorInfo) UnifiedResponse {
	return UnifiedResponse{Success: false, Error: &info}
}

// StatusCode is the HTTP status the envelope should be sent with.
func (r UnifiedResponse) StatusCode() int {
	if r.Error != nil {
		return r.Error.HTTPStatus
	}
	return http.StatusOK
}
