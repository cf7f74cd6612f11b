package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// LambdaHandler adapts the grant endpoint to API Gateway HTTP API events.
func (g *GrantEndpoint) LambdaHandler(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	headers := map[string]string{
		"Content-Type":                 "application/json",
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "POST, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type, X-Api-Key",
	}
	if req.RequestContext.HTTP.Method == http.MethodOptions {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusNoContent, Headers: headers}, nil
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return lambdaJSON(http.StatusBadRequest, headers, ErrorResponse{Error: "Invalid request body", Code: "InvalidRequest"})
		}
		body = decoded
	}

	status, payload := g.Issue(ctx, headerValue(req.Headers, "X-Api-Key"), body)
	return lambdaJSON(status, headers, payload)
}

func lambdaJSON(status int, headers map[string]string, payload any) (events.APIGatewayV2HTTPResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return events.APIGatewayV2HTTPResponse{}, err
	}
	return events.APIGatewayV2HTTPResponse{StatusCode: status, Headers: headers, Body: string(raw)}, nil
}

// headerValue looks a header up case-insensitively; API Gateway lowercases
// header names but direct invocations may not.
func headerValue(h map[string]string, name string) string {
	if v, ok := h[strings.ToLower(name)]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
