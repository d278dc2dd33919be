package sandbox

// InitRequest is sent as JSON on the standard input of the arena-sandbox
// helper. The helper applies it and then execs the program.
type InitRequest struct {
	Program        string   `json:"Program"`
	Args           []string `json:"Args"`
	Dir            string   `json:"Dir"`
	StdinPath      string   `json:"StdinPath"`
	StdoutPath     string   `json:"StdoutPath"`
	Env            []string `json:"Env"`
	Limits         Limits   `json:"Limits"`
	SeccompProfile string   `json:"SeccompProfile"`
	EnableSeccomp  bool     `json:"EnableSeccomp"`
	EnableNs       bool     `json:"EnableNs"`
}
