package types

// Temperature is the sampling temperature sent with every generate request
const Temperature = 0.4

// GenerateOptions holds the model options sent alongside a generate request
type GenerateOptions struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
}

// GenerateRequest is the JSON body posted to the Ollama generate endpoint.
// Images carries base64 encoded image data.
type GenerateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Images  []string        `json:"images"`
	Stream  bool            `json:"stream"`
	Options GenerateOptions `json:"options"`
}

// GenerateResponse is the subset of the generate response that is consumed
type GenerateResponse struct {
	Response string `json:"response"`
}

// ModelStatus reports whether a configured model is installed on the server
type ModelStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
}

// Upload is an image prepared for sending to a vision model
type Upload struct {
	Data      []byte
	Format    string
	MIME      string
	Width     int
	Height    int
	Converted bool
	Resized   bool
}
