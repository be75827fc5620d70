package novita

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
)

// Wire shapes of the provider API. Field names follow the upstream JSON.

type wireInstance struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	SpotStatus   string     `json:"spotStatus"`
	ProductID    string     `json:"productId"`
	ClusterID    string     `json:"clusterId"`
	PortMappings []wirePort `json:"portMappings"`
}

type wirePort struct {
	Port     int    `json:"port"`
	Endpoint string `json:"endpoint"`
	Type     string `json:"type"`
}

type wireProduct struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Region    string `json:"region"`
	SpotPrice string `json:"spotPrice"`
	Price     string `json:"price"`
}

type wireTemplate struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	ImageAuth string    `json:"imageAuth"`
	Ports     []int     `json:"ports"`
	Envs      []wireEnv `json:"envs"`
}

type wireEnv struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// mapStatus normalizes the provider's status vocabulary onto the lifecycle
// states. Unknown values pass through lowercased; the monitor treats them as
// ambiguous.
func mapStatus(s string) domain.InstanceStatus {
	switch strings.ToLower(s) {
	case "tocreate", "creating", "pulling":
		return domain.StatusCreating
	case "created":
		return domain.StatusCreated
	case "tostart", "starting":
		return domain.StatusStarting
	case "running":
		return domain.StatusRunning
	case "exited", "tostop", "stopped":
		return domain.StatusExited
	case "failed", "createfailed":
		return domain.StatusFailed
	case "removed", "terminated":
		return domain.StatusTerminated
	default:
		return domain.InstanceStatus(strings.ToLower(s))
	}
}

func (w wireInstance) toDomain() domain.ProviderInstance {
	ports := make([]domain.ProbeEndpoint, 0, len(w.PortMappings))
	for _, p := range w.PortMappings {
		ports = append(ports, domain.ProbeEndpoint{Port: p.Port, EndpointURL: p.Endpoint, Type: p.Type})
	}
	return domain.ProviderInstance{
		ID:           w.ID,
		Name:         w.Name,
		Status:       mapStatus(w.Status),
		SpotStatus:   w.SpotStatus,
		ProductID:    w.ProductID,
		Region:       w.ClusterID,
		PortMappings: ports,
	}
}

func parsePrice(s string) float64 {
	var v float64
	_, _ = fmt.Sscanf(s, "%f", &v)
	return v
}

// GetInstance fetches one instance by provider id.
func (c *Client) GetInstance(ctx context.Context, providerID string) (domain.ProviderInstance, error) {
	var resp struct {
		Instance wireInstance `json:"instance"`
	}
	u := c.baseURL + "/v1/gpu/instance?instanceId=" + url.QueryEscape(providerID)
	if err := c.do(ctx, "get_instance", "GET", u, c.apiKey, nil, &resp); err != nil {
		return domain.ProviderInstance{}, err
	}
	return resp.Instance.toDomain(), nil
}

// ListInstances returns one page of the account's instances.
func (c *Client) ListInstances(ctx context.Context, cursor string) (domain.InstancePage, error) {
	var resp struct {
		Instances  []wireInstance `json:"instances"`
		NextCursor string         `json:"nextCursor"`
	}
	u := c.baseURL + "/v1/gpu/instances"
	if cursor != "" {
		u += "?cursor=" + url.QueryEscape(cursor)
	}
	if err := c.do(ctx, "list_instances", "GET", u, c.apiKey, nil, &resp); err != nil {
		return domain.InstancePage{}, err
	}
	page := domain.InstancePage{NextCursor: resp.NextCursor}
	for _, w := range resp.Instances {
		page.Instances = append(page.Instances, w.toDomain())
	}
	return page, nil
}

// ListProducts queries the SKU catalog, optionally narrowed by name/region.
func (c *Client) ListProducts(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	var resp struct {
		Products []wireProduct `json:"data"`
	}
	q := url.Values{}
	if filter.Name != "" {
		q.Set("productName", filter.Name)
	}
	if filter.Region != "" {
		q.Set("clusterId", filter.Region)
	}
	u := c.baseURL + "/v1/gpu/product/list"
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	if err := c.do(ctx, "list_products", "GET", u, c.apiKey, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0, len(resp.Products))
	for _, w := range resp.Products {
		out = append(out, domain.Product{
			ID:        w.ID,
			Name:      w.Name,
			Region:    w.Region,
			SpotPrice: parsePrice(w.SpotPrice),
			Price:     parsePrice(w.Price),
		})
	}
	return out, nil
}

// GetTemplate fetches an instance template by id.
func (c *Client) GetTemplate(ctx context.Context, templateID string) (domain.Template, error) {
	var resp struct {
		Template wireTemplate `json:"template"`
	}
	u := c.baseURL + "/v1/gpu/template?templateId=" + url.QueryEscape(templateID)
	if err := c.do(ctx, "get_template", "GET", u, c.apiKey, nil, &resp); err != nil {
		return domain.Template{}, err
	}
	envs := make(map[string]string, len(resp.Template.Envs))
	for _, e := range resp.Template.Envs {
		envs[e.Key] = e.Value
	}
	return domain.Template{
		ID:        resp.Template.ID,
		Name:      resp.Template.Name,
		ImageRef:  resp.Template.Image,
		ImageAuth: resp.Template.ImageAuth,
		Ports:     resp.Template.Ports,
		EnvVars:   envs,
	}, nil
}

// CreateInstance provisions a new instance and returns the provider record.
func (c *Client) CreateInstance(ctx context.Context, spec domain.CreateInstanceSpec) (domain.ProviderInstance, error) {
	body := map[string]any{
		"name":        spec.Name,
		"productId":   spec.ProductID,
		"gpuNum":      spec.GPUCount,
		"rootfsSize":  spec.RootDiskGB,
		"imageUrl":    spec.ImageRef,
		"billingMode": "spot",
	}
	if spec.ImageAuth != "" {
		body["imageAuth"] = spec.ImageAuth
	}
	if len(spec.Ports) > 0 {
		ports := make([]string, 0, len(spec.Ports))
		for _, p := range spec.Ports {
			ports = append(ports, fmt.Sprintf("%d/http", p))
		}
		body["ports"] = strings.Join(ports, ",")
	}
	if len(spec.EnvVars) > 0 {
		envs := make([]wireEnv, 0, len(spec.EnvVars))
		for k, v := range spec.EnvVars {
			envs = append(envs, wireEnv{Key: k, Value: v})
		}
		body["envs"] = envs
	}
	var resp struct {
		ID string `json:"id"`
	}
	u := c.baseURL + "/v1/gpu/instance/create"
	if err := c.do(ctx, "create_instance", "POST", u, c.apiKey, body, &resp); err != nil {
		return domain.ProviderInstance{}, err
	}
	return domain.ProviderInstance{ID: resp.ID, Name: spec.Name, Status: domain.StatusCreating}, nil
}

// StartInstance requests a start.
func (c *Client) StartInstance(ctx context.Context, providerID string) error {
	u := c.baseURL + "/v1/gpu/instance/start"
	return c.do(ctx, "start_instance", "POST", u, c.apiKey, map[string]string{"instanceId": providerID}, nil)
}

// StopInstance requests a stop.
func (c *Client) StopInstance(ctx context.Context, providerID string) error {
	u := c.baseURL + "/v1/gpu/instance/stop"
	return c.do(ctx, "stop_instance", "POST", u, c.apiKey, map[string]string{"instanceId": providerID}, nil)
}

// DeleteInstance releases the instance at the provider.
func (c *Client) DeleteInstance(ctx context.Context, providerID string) error {
	u := c.baseURL + "/v1/gpu/instance/delete"
	return c.do(ctx, "delete_instance", "POST", u, c.apiKey, map[string]string{"instanceId": providerID}, nil)
}

// MigrateInstance asks the internal endpoint family to move a reclaimed spot
// instance onto fresh capacity. Uses the internal credential.
func (c *Client) MigrateInstance(ctx context.Context, providerID string) error {
	u := c.internalURL + "/v1/gpu/instance/migrate"
	return c.do(ctx, "migrate_instance", "POST", u, c.internalKey, map[string]string{"instanceId": providerID}, nil)
}
