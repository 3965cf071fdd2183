package domain

// ServerInfo is the gateway's self description returned by its info endpoint.
type ServerInfo struct {
	Name           string                `json:"name"`
	Version        int                   `json:"version"`
	VersionString  string                `json:"version_string"`
	Author         string                `json:"author"`
	SessionTimeout int                   `json:"session-timeout"`
	Transports     map[string]PluginInfo `json:"transports"`
	Plugins        map[string]PluginInfo `json:"plugins"`
}

// PluginInfo describes one plugin or transport module.
type PluginInfo struct {
	Name          string `json:"name"`
	Author        string `json:"author"`
	Description   string `json:"description"`
	Version       int    `json:"version"`
	VersionString string `json:"version_string"`
}

// HasPlugin reports whether the gateway loaded the named plugin.
func (s *ServerInfo) HasPlugin(name string) bool {
	_, ok := s.Plugins[name]
	return ok
}
