package resolution

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/observability"
)

// NameGrouper groups a list of distinct surface forms into sets that name the
// same real-world entity. Returned groups are index lists into names.
type NameGrouper interface {
	GroupNames(ctx context.Context, entityType string, names []string) ([][]int, error)
}

// LLMResolver asks a language model to group surface forms, falling back to
// fuzzy matching when the model call fails. The fallback keeps resolution
// available during model outages at the cost of merge quality.
type LLMResolver struct {
	grouper  NameGrouper
	fallback *FuzzyResolver
	logger   observability.Logger
}

var _ Resolver = (*LLMResolver)(nil)

// NewLLMResolver creates an LLM-backed resolver with a fuzzy fallback
func NewLLMResolver(grouper NameGrouper, fallback *FuzzyResolver, logger observability.Logger) *LLMResolver {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &LLMResolver{grouper: grouper, fallback: fallback, logger: logger.WithPrefix("resolution")}
}

func (r *LLMResolver) Resolve(ctx context.Context, entityType string, mentions []models.EntityMention) ([]Cluster, error) {
	if len(mentions) == 0 {
		return nil, nil
	}

	// Deduplicate surface forms before sending to the model
	names := make([]string, 0)
	byName := make(map[string][]models.EntityMention)
	for _, m := range mentions {
		norm := normalize(m.Text)
		if _, seen := byName[norm]; !seen {
			names = append(names, norm)
		}
		byName[norm] = append(byName[norm], m)
	}

	groups, err := r.grouper.GroupNames(ctx, entityType, names)
	if err != nil {
		r.logger.Warn("LLM grouping failed, falling back to fuzzy matching", map[string]interface{}{
			"entity_type": entityType,
			"error":       err.Error(),
		})
		return r.fallback.Resolve(ctx, entityType, mentions)
	}

	assigned := make([]bool, len(names))
	var clusters []Cluster
	for _, group := range groups {
		var clusterMentions []models.EntityMention
		for _, idx := range group {
			if idx < 0 || idx >= len(names) || assigned[idx] {
				continue
			}
			assigned[idx] = true
			clusterMentions = append(clusterMentions, byName[names[idx]]...)
		}
		if len(clusterMentions) == 0 {
			continue
		}
		clusters = append(clusters, Cluster{
			Mentions:   clusterMentions,
			Method:     models.ResolutionMethodLLM,
			Confidence: 0.9,
		})
	}
	// Names the model left out become singleton clusters
	for i, name := range names {
		if assigned[i] {
			continue
		}
		clusters = append(clusters, Cluster{
			Mentions:   byName[name],
			Method:     models.ResolutionMethodLLM,
			Confidence: 0.9,
		})
	}
	return clusters, nil
}

// BedrockGrouper implements NameGrouper against an AWS Bedrock model
type BedrockGrouper struct {
	api     BedrockAPI
	modelID string
}

// BedrockAPI defines the Bedrock runtime operations the grouper needs
type BedrockAPI interface {
	InvokeModel(ctx context.Context, input *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// NewBedrockGrouper creates a grouper backed by the given model
func NewBedrockGrouper(api BedrockAPI, modelID string) *BedrockGrouper {
	return &BedrockGrouper{api: api, modelID: modelID}
}

const groupingPrompt = `The following %s names were extracted from a legal document.
Group names that refer to the same real-world entity. Return ONLY a JSON object of
the form {"groups":[[0,2],[1]]} where each inner list holds zero-based indexes into
the input list. Every index must appear in exactly one group.

Names:
%s`

func (g *BedrockGrouper) GroupNames(ctx context.Context, entityType string, names []string) ([][]int, error) {
	var listing strings.Builder
	for i, name := range names {
		fmt.Fprintf(&listing, "%d: %s\n", i, name)
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        2048,
		"messages": []map[string]string{
			{"role": "user", "content": fmt.Sprintf(groupingPrompt, entityType, listing.String())},
		},
	})
	if err != nil {
		return nil, err
	}

	out, err := g.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(g.modelID),
		ContentType: aws.String("application/json"),
		Body:        reqBody,
	})
	if err != nil {
		return nil, fmt.Errorf("model invocation failed: %w", err)
	}

	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode model response: %w", err)
	}
	if len(resp.Content) == 0 {
		return nil, fmt.Errorf("model returned empty response")
	}

	text := resp.Content[0].Text
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("model response contains no JSON object")
	}

	var parsed struct {
		Groups [][]int `json:"groups"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse grouping response: %w", err)
	}
	return parsed.Groups, nil
}
