package types

// ApiError is the error payload of the status API
type ApiError struct {
	Context map[string]string `json:"context,omitempty" description:"Context of the error"`
	Message string            `json:"message" description:"Message of the error"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Guilds  int    `json:"guilds" description:"Guilds with pruning fully configured"`
	Uptime  string `json:"uptime"`
	Gateway bool   `json:"gateway" description:"Whether the Discord gateway is connected"`
	Store   string `json:"store" description:"The persistent store driver"`
	Cache   bool   `json:"cache" description:"Whether the settings cache is enabled"`
}
