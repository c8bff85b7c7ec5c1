// Package tools tracks the optional debugging tool plugins (profilers,
// devtools panels, inspectors) attached to a running app.
//
// A plugin is active exactly when the running app reports it available and
// the user has enabled it:
//
//	isActive = availableFromRuntime && userEnabled
//
// Activate and Deactivate fire only on edges of that derived value.
package tools

// Plugin is an optional tool. Activate and Deactivate are called by the
// Registry only; they are assumed not to fail.
type Plugin interface {
	ID() string
	Label() string
	Activate()
	Deactivate()
}

// Opener is implemented by plugins that have a panel to open.
type Opener interface {
	Open()
}

// ToolState is the externally visible state of one available plugin.
type ToolState struct {
	Label   string `json:"label"`
	Enabled bool   `json:"enabled"`
}

// State maps plugin id to its visible state.
type State map[string]ToolState

// Info is the full registry view of one plugin, including unavailable ones.
type Info struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Available bool   `json:"availableFromRuntime"`
	Enabled   bool   `json:"userEnabled"`
	Active    bool   `json:"isActive"`
}

// isActive is the single definition of plugin activation.
func isActive(available, enabled bool) bool {
	return available && enabled
}

// FuncPlugin adapts plain functions to Plugin.
type FuncPlugin struct {
	PluginID     string
	PluginLabel  string
	OnActivate   func()
	OnDeactivate func()
	OnOpen       func()
}

func (p *FuncPlugin) ID() string    { return p.PluginID }
func (p *FuncPlugin) Label() string { return p.PluginLabel }

func (p *FuncPlugin) Activate() {
	if p.OnActivate != nil {
		p.OnActivate()
	}
}

func (p *FuncPlugin) Deactivate() {
	if p.OnDeactivate != nil {
		p.OnDeactivate()
	}
}

func (p *FuncPlugin) Open() {
	if p.OnOpen != nil {
		p.OnOpen()
	}
}
