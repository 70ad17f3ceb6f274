// Package prompts implements the MCP Protocol Handler's PromptCatalog
// collaborator. The gateway's spec defines no prompt templates, but the
// initialize handshake advertises the prompts capability regardless
// (per spec §6), so prompts/list must return an empty, well-formed
// list rather than the protocol layer special-casing "no prompts".
package prompts

import (
	"context"

	"github.com/loxone-mcp/gateway/pkg/errs"
)

// Catalog is an empty PromptCatalog: no prompt templates are defined,
// so List is always empty and Get always fails with NotFound.
type Catalog struct{}

func New() *Catalog { return &Catalog{} }

func (Catalog) List() []any { return []any{} }

func (Catalog) Get(ctx context.Context, name string, args map[string]string) (any, error) {
	return nil, errs.New(errs.AmbiguousOrNotFound, "no prompt named "+name)
}
