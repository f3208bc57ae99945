package request

// Deploy carries the per-install inputs that are never stored in the
// descriptor file. Keys are the secret_files fragments of the deployment.
type Deploy struct {
	Secrets map[string]string `json:"secrets,omitempty"`
}
