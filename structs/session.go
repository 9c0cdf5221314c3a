package structs

import (
	"github.com/zond/swarmbot"

	goccy "github.com/goccy/go-json"
)

// ConnectionState is the lifecycle state of a session's game connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	// StateDegraded means the game connection failed and the session runs
	// against a local stand-in client.
	StateDegraded ConnectionState = "degraded"
)

type TaskConfig struct {
	Radius        int `json:"radius"`
	ProgressEvery int `json:"progress_every"`
}

type ChatConfig struct {
	Prefix       string   `json:"prefix"`
	Masters      []string `json:"masters"`
	ShowMessages bool     `json:"show_messages"`
}

type LoginConfig struct {
	// Commands are issued after bulk creation. {password} and {username} are
	// replaced with the session's credentials.
	Commands []string `json:"commands"`
}

// SessionConfig is the per-session configuration document, stored one file
// per session id.
type SessionConfig struct {
	Host      string         `json:"host"`
	Port      int            `json:"port"`
	Username  string         `json:"username"`
	Password  string         `json:"password,omitempty"`
	Version   string         `json:"version,omitempty"`
	Auth      string         `json:"auth"`
	BridgeURL string         `json:"bridge_url,omitempty"`
	UseProxy  bool           `json:"use_proxy"`
	Chat      ChatConfig     `json:"chat"`
	Task      TaskConfig     `json:"task"`
	Login     LoginConfig    `json:"login"`
	Extra     map[string]any `json:"extra,omitempty"`
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Host: "localhost",
		Port: 25565,
		Auth: "offline",
		Chat: ChatConfig{
			Prefix:       "!",
			ShowMessages: true,
		},
		Task: TaskConfig{
			Radius:        4,
			ProgressEvery: 10,
		},
		Login: LoginConfig{
			Commands: []string{
				"say /register {password} {password}",
				"say /login {password}",
			},
		},
	}
}

// Clone returns a deep copy, so that sessions never share nested maps.
func (c SessionConfig) Clone() (SessionConfig, error) {
	b, err := goccy.Marshal(c)
	if err != nil {
		return SessionConfig{}, swarmbot.WithStack(err)
	}
	result := SessionConfig{}
	if err := goccy.Unmarshal(b, &result); err != nil {
		return SessionConfig{}, swarmbot.WithStack(err)
	}
	return result, nil
}
