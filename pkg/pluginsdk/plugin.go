package pluginsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// PluginName is the dispense key for the tool provider plugin.
const PluginName = "tools"

// Handshake guards against launching an executable that is not a sam
// plugin. The cookie is an identity marker, not a security boundary;
// trust comes from the digest-pinned allowlist.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "SAM_PLUGIN",
	MagicCookieValue: "9d2f7c41aa0e4b6f8e3d5a1c2b9f0e87",
}

// ToolSpec describes one tool contributed by a plugin. InputSchema is a
// JSON Schema document exposed verbatim to the LLM; NoCache marks tools
// with side effects whose results must never be served from cache.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	NoCache     bool           `json:"no_cache,omitempty"`
}

// Provider is the interface a plugin executable implements. Tools is
// called once after launch; Invoke dispatches one tool call.
type Provider interface {
	Tools() ([]ToolSpec, error)
	Invoke(name string, args map[string]any) (any, error)
}

// Serve runs provider as a plugin process. Call it from the plugin's
// main; it blocks until the host disconnects.
func Serve(provider Provider) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			PluginName: &ProviderPlugin{Impl: provider},
		},
	})
}

// ProviderPlugin is the go-plugin glue for Provider over net/rpc.
// Arguments and results cross the process boundary as JSON so plugins
// and host do not need shared gob registrations.
type ProviderPlugin struct {
	Impl Provider
}

func (p *ProviderPlugin) Server(*plugin.MuxBroker) (any, error) {
	return &providerServer{impl: p.Impl}, nil
}

func (p *ProviderPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &providerClient{client: c}, nil
}

type invokeRequest struct {
	Name string
	Args []byte
}

type invokeResponse struct {
	Result []byte
	Err    string
}

type providerServer struct {
	impl Provider
}

func (s *providerServer) Tools(_ struct{}, resp *[]byte) error {
	specs, err := s.impl.Tools()
	if err != nil {
		return err
	}
	data, err := json.Marshal(specs)
	if err != nil {
		return fmt.Errorf("encode tool specs: %w", err)
	}
	*resp = data
	return nil
}

func (s *providerServer) Invoke(req invokeRequest, resp *invokeResponse) error {
	var args map[string]any
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fmt.Errorf("decode arguments: %w", err)
		}
	}
	result, err := s.impl.Invoke(req.Name, args)
	if err != nil {
		resp.Err = err.Error()
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	resp.Result = data
	return nil
}

type providerClient struct {
	client *rpc.Client
}

func (c *providerClient) Tools() ([]ToolSpec, error) {
	var data []byte
	if err := c.client.Call("Plugin.Tools", struct{}{}, &data); err != nil {
		return nil, err
	}
	var specs []ToolSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("decode tool specs: %w", err)
	}
	return specs, nil
}

func (c *providerClient) Invoke(name string, args map[string]any) (any, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	var resp invokeResponse
	if err := c.client.Call("Plugin.Invoke", invokeRequest{Name: name, Args: payload}, &resp); err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, errors.New(resp.Err)
	}
	var result any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return result, nil
}
