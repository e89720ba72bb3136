package domain

// Project is a local folder shared on a fixed port.
type Project struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Port     int    `json:"port"`
	LastUsed string `json:"lastUsed"`
}
