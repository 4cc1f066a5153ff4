package models

import (
	"encoding/base64"
	"strings"
)

// ImageBlob is one uploaded image held in memory for the lifetime of a request.
type ImageBlob struct {
	FileName string
	MimeType string
	Data     []byte
}

// Size reports the blob length in bytes.
func (b ImageBlob) Size() int64 {
	return int64(len(b.Data))
}

// DataURI renders the blob as a self-describing data URI.
func (b ImageBlob) DataURI() string {
	var sb strings.Builder
	sb.Grow(len("data:;base64,") + len(b.MimeType) + base64.StdEncoding.EncodedLen(len(b.Data)))
	sb.WriteString("data:")
	sb.WriteString(b.MimeType)
	sb.WriteString(";base64,")
	sb.WriteString(base64.StdEncoding.EncodeToString(b.Data))
	return sb.String()
}

// RequestInput is a validated edit request.
type RequestInput struct {
	Prompt  string
	Images  []ImageBlob
	ModelID string
}

// FileNames lists the uploaded file names in upload order.
func (in RequestInput) FileNames() []string {
	out := make([]string, len(in.Images))
	for i, img := range in.Images {
		out[i] = img.FileName
	}
	return out
}

// FileSizes lists the uploaded file sizes, parallel to FileNames.
func (in RequestInput) FileSizes() []int64 {
	out := make([]int64, len(in.Images))
	for i, img := range in.Images {
		out[i] = img.Size()
	}
	return out
}

// EditRequest is what a vendor adapter receives: the prompt plus images already
// rendered as data URIs.
type EditRequest struct {
	Model     string
	Prompt    string
	ImageURLs []string
	RequestID string
}

// VendorImage is one image entry as returned by a vendor. Every field is optional;
// the normalizer resolves a display URL with the precedence URL, AltURL, B64JSON.
type VendorImage struct {
	URL           string
	AltURL        string
	B64JSON       string
	RevisedPrompt string
	ContentType   string
	FileName      string
	FileSize      int64
}

// VendorResult is a vendor success payload decoded into explicit optional fields.
type VendorResult struct {
	Provider           string
	Model              string
	ID                 string
	Text               string
	Description        string
	Images             []VendorImage
	Usage              *Usage
	FinishReason       string
	NativeFinishReason string
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Route describes a registered routing rule, exposed to the UI model picker.
type Route struct {
	Provider     string   `json:"providerId"`
	Prefixes     []string `json:"prefixes,omitempty"`
	Contains     []string `json:"contains,omitempty"`
	DefaultModel string   `json:"defaultModel,omitempty"`
}

// Model identifies the upstream model chosen for a request.
type Model struct {
	ID        string
	Requested string
	Provider  string
}
