package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	broker "github.com/cmsbridge/mcp-broker"
)

// Provisioner exposes the broker's Flow 2 operations as MCP tools.
type Provisioner struct {
	broker *broker.Broker
}

// NewProvisioner wraps a broker for tool registration.
func NewProvisioner(b *broker.Broker) *Provisioner {
	return &Provisioner{broker: b}
}

// Register adds the provisioning tool surface to an MCP server. The server
// must carry AuthorizationMiddleware so the handlers find a verified session
// in the context.
func (p *Provisioner) Register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("provision_account",
		mcp.WithDescription("Authorize this server for offline access to your account. Returns an authorization URL to open in a browser."),
	), p.handleProvisionAccount)

	s.AddTool(mcp.NewTool("provisioning_status",
		mcp.WithDescription("Report whether offline access is provisioned for your account."),
	), p.handleProvisioningStatus)

	s.AddTool(mcp.NewTool("capabilities",
		mcp.WithDescription("List every operation this server offers, its required scopes, and whether your session covers it."),
	), p.handleCapabilities)
}

// NewServer builds an MCP server with the authorization middleware installed
// and the provisioning tools registered. Callers add their own domain tools
// on top; every tool name must be registered in the broker's scope policy.
func NewServer(name, version string, g *broker.Guard, b *broker.Broker) *server.MCPServer {
	s := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(false),
		server.WithToolHandlerMiddleware(AuthorizationMiddleware(g, b)),
	)
	NewProvisioner(b).Register(s)
	return s
}

func (p *Provisioner) handleProvisionAccount(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, ok := SessionFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no authenticated session"), nil
	}

	authURL, err := p.broker.BeginProvisioning(ctx, session.Subject)
	if err != nil {
		return resultForError(err)
	}

	return jsonResult(map[string]any{
		"status":            string(broker.StateAwaitingAuthorization),
		"authorization_url": authURL,
		"instructions":      "Open the authorization URL in a browser and approve offline access. Check provisioning_status afterwards.",
	})
}

func (p *Provisioner) handleProvisioningStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, ok := SessionFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no authenticated session"), nil
	}

	state, err := p.broker.ProvisioningStatus(ctx, session.Subject)
	if err != nil {
		return resultForError(err)
	}

	out := map[string]any{"status": string(state)}
	if state == broker.StateExpiredGrant {
		out["instructions"] = "The stored grant was invalidated. Invoke provision_account to reauthorize."
	}
	return jsonResult(out)
}

type capabilityEntry struct {
	Operation      string   `json:"operation"`
	RequiredScopes []string `json:"required_scopes"`
	Allowed        bool     `json:"allowed"`
}

func (p *Provisioner) handleCapabilities(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, ok := SessionFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no authenticated session"), nil
	}

	policy := p.broker.Policy()
	entries := make([]capabilityEntry, 0)
	for _, op := range policy.Operations() {
		required, err := policy.RequiredScopes(op)
		if err != nil {
			continue
		}
		allowed, err := policy.Authorize(session.Scopes, op)
		if err != nil {
			continue
		}
		entries = append(entries, capabilityEntry{
			Operation:      op,
			RequiredScopes: required.Slice(),
			Allowed:        allowed,
		})
	}
	return jsonResult(map[string]any{"operations": entries})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
