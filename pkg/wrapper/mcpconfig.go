package wrapper

import (
	"encoding/json"
	"fmt"
	"net"
	neturl "net/url"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"agentchattr/pkg/config"
	"agentchattr/pkg/utils"
)

// serverKey is the entry name agents see in their MCP client config.
const serverKey = "agentchattr"

// HubURL returns the streamable HTTP endpoint agents dial, token included,
// the way CLI MCP configs expect it.
func HubURL(cfg *config.Config, token string) string {
	host := cfg.Server.Host
	if host == "" {
		host = config.DefaultHost
	}
	return fmt.Sprintf("http://%s/mcp?token=%s",
		net.JoinHostPort(host, strconv.Itoa(cfg.MCP.HTTPPort)),
		neturl.QueryEscape(token))
}

// EnsureMCPConfig makes sure the agent CLI's MCP client config points at the
// hub. JSON configs get an entry under mcpServers, YAML configs an
// extensions stanza. Other entries in an existing file are preserved, and an
// existing agentchattr entry is left exactly as the user wrote it.
// It returns the path of the config it ensured.
func EnsureMCPConfig(agentCfg config.Agent, hubURL string) (string, error) {
	format := agentCfg.MCPConfigFormat
	if format == "" {
		format = "json"
	}
	path := agentCfg.MCPConfig
	if path == "" {
		if format == "yaml" {
			path = "mcp.yaml"
		} else {
			path = ".mcp.json"
		}
	}
	if !filepath.IsAbs(path) {
		cwd := agentCfg.Cwd
		if cwd == "" {
			cwd = "."
		}
		path = filepath.Join(cwd, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create config dir for %s: %w", path, err)
	}
	var err error
	if format == "yaml" {
		err = ensureYAMLConfig(path, hubURL)
	} else {
		err = ensureJSONConfig(path, hubURL)
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

func ensureJSONConfig(path, hubURL string) error {
	root := map[string]any{}
	if b, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(b, &root); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	servers, _ := root["mcpServers"].(map[string]any)
	if servers == nil {
		servers = map[string]any{}
		root["mcpServers"] = servers
	}
	if _, ok := servers[serverKey]; ok {
		return nil
	}
	servers[serverKey] = map[string]any{
		"type": "http",
		"url":  hubURL,
	}
	b, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return utils.WriteFileAtomic(path, append(b, '\n'), 0o644)
}

func ensureYAMLConfig(path, hubURL string) error {
	root := map[string]any{}
	if b, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(b, &root); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	ext, _ := root["extensions"].(map[string]any)
	if ext == nil {
		ext = map[string]any{}
		root["extensions"] = ext
	}
	if _, ok := ext[serverKey]; ok {
		return nil
	}
	ext[serverKey] = map[string]any{
		"enabled": true,
		"type":    "streamable_http",
		"uri":     hubURL,
	}
	b, err := yaml.Marshal(root)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return utils.WriteFileAtomic(path, b, 0o644)
}
