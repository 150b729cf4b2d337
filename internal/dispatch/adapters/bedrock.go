package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/cockroachdb/errors"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/dispatch"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
)

// ModelInvoker is the subset of the Bedrock runtime client the adapter uses.
type ModelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Bedrock forwards model invocations to AWS Bedrock with SigV4 credentials
// from the default AWS chain. The model comes from the request override,
// the /model/{id}/invoke path, or the route default, in that order.
type Bedrock struct {
	client ModelInvoker
	model  string
}

// NewBedrock creates a Bedrock adapter for region.
func NewBedrock(ctx context.Context, region, model string) (*Bedrock, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, gwerr.WrapConfiguration(err, "loading AWS config for bedrock (region %s)", region)
	}
	return NewBedrockWithClient(bedrockruntime.NewFromConfig(cfg), model), nil
}

// NewBedrockWithClient creates a Bedrock adapter over an existing client.
func NewBedrockWithClient(client ModelInvoker, model string) *Bedrock {
	return &Bedrock{client: client, model: model}
}

func (b *Bedrock) Forward(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	model := req.Model
	if model == "" {
		model = modelFromPath(req.Path)
	}
	if model == "" {
		model = b.model
	}
	if model == "" {
		return errorResponse(http.StatusBadRequest, "bedrock request names no model"), nil
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        req.Body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		var withStatus interface{ HTTPStatusCode() int }
		if errors.As(err, &withStatus) {
			status := withStatus.HTTPStatusCode()
			if isClientError(status) {
				return errorResponse(status, err.Error()), nil
			}
			return nil, &gwerr.UpstreamError{Target: "bedrock", StatusCode: status, Delivered: !rejectedUnprocessed(status, nil), Err: err}
		}
		return nil, transportError("bedrock", err)
	}

	header := http.Header{}
	header.Set("Content-Type", aws.ToString(out.ContentType))
	return &dispatch.Response{StatusCode: http.StatusOK, Header: header, Body: out.Body}, nil
}

// modelFromPath extracts the model id from a /model/{id}/invoke path.
func modelFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "model" {
		if id, err := url.PathUnescape(parts[1]); err == nil {
			return id
		}
	}
	return ""
}

func errorResponse(status int, msg string) *dispatch.Response {
	body, _ := json.Marshal(map[string]string{"error": msg})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &dispatch.Response{StatusCode: status, Header: header, Body: body}
}
