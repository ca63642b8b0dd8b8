package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/openaem/internal/aem"
	"github.com/patrickwarner/openaem/internal/analytics"
	"github.com/patrickwarner/openaem/internal/codec"
	"github.com/patrickwarner/openaem/internal/db"
	"github.com/patrickwarner/openaem/internal/skadnetwork"
)

type ListInvocationsInput struct {
	CampaignID string `json:"campaign_id,omitempty"`
}

// InvocationView is the summary of one tracked campaign.
type InvocationView struct {
	CampaignID       string    `json:"campaign_id"`
	BusinessID       string    `json:"business_id,omitempty"`
	ConfigMode       string    `json:"config_mode"`
	ConversionValue  int       `json:"conversion_value"`
	Priority         int       `json:"priority"`
	State            string    `json:"state"`
	TestMode         bool      `json:"test_mode"`
	Timestamp        time.Time `json:"timestamp"`
	RecordedEvents   []string  `json:"recorded_events,omitempty"`
	PostbackAttempts int       `json:"postback_attempts"`
}

type ListInvocationsOutput struct {
	Invocations    []InvocationView `json:"invocations"`
	Configurations int              `json:"configurations"`
}

type GetSKANStateInput struct{}

type GetSKANStateOutput struct {
	State      skadnetwork.State `json:"state"`
	Configured bool              `json:"configured"`
}

type GetPostbacksInput struct {
	CampaignID string `json:"campaign_id"`
}

type GetPostbacksOutput struct {
	Postbacks []analytics.PostbackRecord `json:"postbacks"`
}

// Inspector answers read-only questions about persisted reporter state.
type Inspector struct {
	store   db.BlobStore
	auditor analytics.Auditor
	logger  *zap.Logger
	now     func() time.Time
}

type storedConfigs struct {
	Raw []map[string]any `json:"raw"`
}

func (s *Inspector) load(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.store.Load(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if _, err := codec.Decode(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Inspector) ListInvocations(ctx context.Context, req *mcp.CallToolRequest, input ListInvocationsInput) (*mcp.CallToolResult, ListInvocationsOutput, error) {
	var out ListInvocationsOutput

	configs := aem.Configs{}
	var sc storedConfigs
	if _, err := s.load(ctx, db.KeyConfigs, &sc); err != nil {
		return nil, out, err
	}
	for _, raw := range sc.Raw {
		if cfg, err := aem.ParseConfiguration(raw); err == nil {
			configs.Add(cfg)
		}
	}
	out.Configurations = configs.Len()

	var invs []*aem.Invocation
	if _, err := s.load(ctx, db.KeyInvocations, &invs); err != nil {
		return nil, out, err
	}
	out.Invocations = []InvocationView{}
	for _, inv := range invs {
		if inv == nil || (input.CampaignID != "" && inv.CampaignID != input.CampaignID) {
			continue
		}
		inv = inv.WithClock(s.now)
		out.Invocations = append(out.Invocations, InvocationView{
			CampaignID:       inv.CampaignID,
			BusinessID:       inv.BusinessID,
			ConfigMode:       inv.ConfigMode,
			ConversionValue:  inv.ConversionValue,
			Priority:         inv.Priority,
			State:            inv.State(configs).String(),
			TestMode:         inv.IsTestMode,
			Timestamp:        inv.Timestamp,
			RecordedEvents:   inv.RecordedEvents,
			PostbackAttempts: inv.PostbackAttempts,
		})
	}
	s.logger.Info("listed invocations", zap.Int("count", len(out.Invocations)))
	return nil, out, nil
}

func (s *Inspector) GetSKANState(ctx context.Context, req *mcp.CallToolRequest, input GetSKANStateInput) (*mcp.CallToolResult, GetSKANStateOutput, error) {
	var out GetSKANStateOutput
	if _, err := s.load(ctx, db.KeySKANState, &out.State); err != nil {
		return nil, out, err
	}
	var cfg map[string]any
	ok, err := s.load(ctx, db.KeySKANConfig, &cfg)
	if err != nil {
		return nil, out, err
	}
	out.Configured = ok
	return nil, out, nil
}

func (s *Inspector) GetPostbacks(ctx context.Context, req *mcp.CallToolRequest, input GetPostbacksInput) (*mcp.CallToolResult, GetPostbacksOutput, error) {
	var out GetPostbacksOutput
	if input.CampaignID == "" {
		return nil, out, errors.New("campaign_id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	rows, err := s.auditor.PostbacksByCampaign(ctx, input.CampaignID)
	if err != nil {
		return nil, out, fmt.Errorf("query postbacks: %w", err)
	}
	out.Postbacks = rows
	if out.Postbacks == nil {
		out.Postbacks = []analytics.PostbackRecord{}
	}
	return nil, out, nil
}

func registerTools(server *mcp.Server, s *Inspector) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_invocations",
		Description: "List the AEM campaign invocations tracked on this install with their conversion values and lifecycle state",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"campaign_id": map[string]interface{}{
					"type":        "string",
					"description": "Only return this campaign (optional)",
				},
			},
		},
	}, s.ListInvocations)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_skan_state",
		Description: "Show the SKAdNetwork fine and coarse conversion values and recorded events",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	}, s.GetSKANState)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_postbacks",
		Description: "Read the postback audit log of one campaign from ClickHouse",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"campaign_id": map[string]interface{}{
					"type":        "string",
					"description": "Campaign id from the app link",
				},
			},
			"required": []string{"campaign_id"},
		},
	}, s.GetPostbacks)
}
