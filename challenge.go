package x402

import (
	"fmt"
	"net/http"
	"strings"
)

// BuildRequirements expands a route into one PaymentRequirements per accepted option,
// in the route's order. resource is used unless the route pins its own.
func BuildRequirements(route *RouteConfig, resource string) ([]PaymentRequirements, error) {
	if route.Resource != "" {
		resource = route.Resource
	}

	timeout := route.MaxTimeoutSeconds
	if timeout == 0 {
		timeout = DefaultMaxTimeoutSeconds
	}

	outputSchema := route.OutputSchema
	if outputSchema == nil {
		outputSchema = map[string]interface{}{}
	}

	requirements := make([]PaymentRequirements, 0, len(route.Accepts))
	for i, opt := range route.Accepts {
		amount, asset, err := opt.Price.Resolve(opt.Network)
		if err != nil {
			return nil, fmt.Errorf("payment option %d: %w", i, err)
		}

		req := PaymentRequirements{
			Scheme:            opt.scheme(),
			Network:           opt.Network,
			MaxAmountRequired: amount,
			Resource:          resource,
			Description:       route.Description,
			MimeType:          route.MimeType,
			PayTo:             opt.PayTo,
			MaxTimeoutSeconds: timeout,
			Asset:             asset.Address,
			OutputSchema:      outputSchema,
			Extra:             buildExtra(asset, opt.Extra),
		}
		requirements = append(requirements, NormalizeAmount(req))
	}

	return requirements, nil
}

// BuildChallenge produces the 402 body for a route and request
func BuildChallenge(route *RouteConfig, r *http.Request, errMsg string) (*PaymentRequiredResponse, error) {
	accepts, err := BuildRequirements(route, ResourceURL(r))
	if err != nil {
		return nil, err
	}
	return &PaymentRequiredResponse{
		X402Version: X402Version,
		Error:       errMsg,
		Accepts:     accepts,
	}, nil
}

// NewChallenge builds the 402 body answering err, re-listing accepts
func NewChallenge(err error, accepts []PaymentRequirements) *PaymentRequiredResponse {
	return &PaymentRequiredResponse{
		X402Version: X402Version,
		Error:       challengeMessage(err),
		Accepts:     accepts,
	}
}

// ResourceURL reconstructs the absolute URL of an incoming request,
// honouring X-Forwarded-Proto and X-Forwarded-Host from a fronting proxy.
func ResourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}

	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if host == "" {
		host = r.URL.Host
	}

	return scheme + "://" + host + r.URL.RequestURI()
}

func buildExtra(asset Asset, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(extra)+2)
	if asset.EIP712.Name != "" {
		out["name"] = asset.EIP712.Name
	}
	if asset.EIP712.Version != "" {
		out["version"] = asset.EIP712.Version
	}
	for k, v := range extra {
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
