// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package persona holds the catalog of assistant personas ("advisors").
// Each persona pairs a display name with the system prompt sent upstream.
// Lookups of unknown ids fall back to the general persona.
package persona

import (
	"sort"
	"strings"
	"sync"
)

// DefaultID is the fallback persona.
const DefaultID = "general"

const preamble = "You are not DeepSeek. You are ChatERP, an enterprise resource planning AI assistant developed by JY Tech LLC. "

// Persona is one entry of the catalog.
type Persona struct {
	ID           string `json:"id" toml:"id"`
	Name         string `json:"name" toml:"name"`
	Description  string `json:"description" toml:"description"`
	SystemPrompt string `json:"-" toml:"system_prompt"`
}

var builtin = []Persona{
	{
		ID:           "general",
		Name:         "General Assistant",
		Description:  "General ERP assistant for all business processes",
		SystemPrompt: preamble + "You help businesses streamline and integrate their core processes, including finance, human resources, supply chain, manufacturing, sales, and procurement. You are a general assistant and will protect client information.",
	},
	{
		ID:           "document-analyzer",
		Name:         "Document Analyzer",
		Description:  "Helps analyze long and complex documents",
		SystemPrompt: preamble + "You are a Document Analyzer that helps users save significant time by automatically analyzing long and complex documents.",
	},
	{
		ID:           "ask-controllers",
		Name:         "Financial Controller",
		Description:  "Provides guidance on financial statements and US GAAP",
		SystemPrompt: preamble + "You are a professional advisor who helps understand the general impact of transactions/products on audited financial statements under generally accepted accounting principles (US GAAP).",
	},
	{
		ID:           "askcba",
		Name:         "Budget & Admin",
		Description:  "Assists with Budget, Administration, Procurement, and Real Estate policies",
		SystemPrompt: preamble + "You are a knowledge-based chatbot 'AskCBA' that assists users with queries related to Budget, Administration, Procurement, and Real Estate policies, procedures, and systems.",
	},
	{
		ID:           "blended-finance",
		Name:         "Blended Finance",
		Description:  "Expert on blended finance combining public and private funds",
		SystemPrompt: preamble + "You are a professional advisor who helps understand the world of blended finance. Blended finance combines public and private funds to support development projects with high impact.",
	},
	{
		ID:           "business-risk",
		Name:         "Business Risk",
		Description:  "Helps with Business Risk and Compliance (BRC) policies and procedures",
		SystemPrompt: preamble + "You are a Business Risk Compliance Manual assistant that helps users quickly and easily search and browse Business Risk and Compliance (BRC) policies and procedures.",
	},
}

// Catalog is a read-mostly set of personas keyed by id.
type Catalog struct {
	mu    sync.RWMutex
	byID  map[string]Persona
	order []string
}

// Builtin returns a catalog with the shipped personas.
func Builtin() *Catalog {
	c := &Catalog{byID: make(map[string]Persona)}
	for _, p := range builtin {
		c.put(p)
	}
	return c
}

// New returns the builtin catalog with extra entries merged in. An extra
// entry with a known id overrides only the fields it sets.
func New(extra ...Persona) *Catalog {
	c := Builtin()
	for _, p := range extra {
		c.Merge(p)
	}
	return c
}

func (c *Catalog) put(p Persona) {
	if _, ok := c.byID[p.ID]; !ok {
		c.order = append(c.order, p.ID)
	}
	c.byID[p.ID] = p
}

// Merge adds p or overlays its non-empty fields on the existing entry.
// Entries without an id are ignored.
func (c *Catalog) Merge(p Persona) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.byID[p.ID]
	if !ok {
		if p.Name == "" {
			p.Name = p.ID
		}
		c.put(p)
		return
	}
	if p.Name != "" {
		cur.Name = p.Name
	}
	if p.Description != "" {
		cur.Description = p.Description
	}
	if p.SystemPrompt != "" {
		cur.SystemPrompt = p.SystemPrompt
	}
	c.byID[p.ID] = cur
}

// Get returns the persona with the given id.
func (c *Catalog) Get(id string) (Persona, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byID[id]
	return p, ok
}

// Lookup returns the persona with the given id, or the general persona
// when the id is empty or unknown.
func (c *Catalog) Lookup(id string) Persona {
	if p, ok := c.Get(strings.TrimSpace(id)); ok {
		return p
	}
	p, _ := c.Get(DefaultID)
	return p
}

// All returns the personas in registration order.
func (c *Catalog) All() []Persona {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Persona, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// IDs returns the sorted persona ids.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
