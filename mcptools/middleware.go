package mcptools

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	broker "github.com/cmsbridge/mcp-broker"
)

// AuthorizationMiddleware gates every tool call: the bearer from the request
// context is verified into a session, the tool name is checked against the
// scope policy, and for operations that touch the resource server a delegated
// credential is resolved and attached to the context before the handler runs.
//
// Operations whose policy entry is empty (provision_account,
// provisioning_status, capabilities) get the session only; no upstream
// credential is minted for them.
func AuthorizationMiddleware(g *broker.Guard, b *broker.Broker) server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			bearer, ok := BearerFromContext(ctx)
			if !ok {
				return mcp.NewToolResultError("missing bearer token"), nil
			}

			session, err := g.VerifySessionToken(ctx, bearer)
			if err != nil {
				return resultForError(err)
			}
			ctx = ContextWithSession(ctx, session)

			operation := req.Params.Name
			required, err := b.Policy().RequiredScopes(operation)
			if err != nil {
				return resultForError(err)
			}

			if len(required) > 0 {
				cred, err := b.ResolveCredential(ctx, broker.ResolveRequest{
					Session:   session,
					Operation: operation,
				})
				if err != nil {
					return resultForError(err)
				}
				ctx = ContextWithCredential(ctx, cred)
			}

			return next(ctx, req)
		}
	}
}

// resultForError converts a broker failure into a tool error result. Only the
// caller-safe Description and Hint are serialized; wrapped causes stay in the
// logs.
func resultForError(err error) (*mcp.CallToolResult, error) {
	var be *broker.Error
	if errors.As(err, &be) {
		msg := be.Description
		if be.Hint != "" {
			msg += ". " + be.Hint
		}
		return mcp.NewToolResultError(msg), nil
	}
	return mcp.NewToolResultError(err.Error()), nil
}
