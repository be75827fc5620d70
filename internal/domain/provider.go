package domain

import "context"

// ProviderInstance is the provider's view of an instance.
type ProviderInstance struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Status       InstanceStatus  `json:"status"`
	SpotStatus   string          `json:"spotStatus,omitempty"`
	ProductID    string          `json:"productId,omitempty"`
	Region       string          `json:"region,omitempty"`
	PortMappings []ProbeEndpoint `json:"portMappings,omitempty"`
}

// SpotReclaimed reports whether the provider flagged this instance as shut
// down by spot-pricing policy.
func (p ProviderInstance) SpotReclaimed() bool {
	return p.SpotStatus == "reclaimed" || p.SpotStatus == "spot_reclaimed"
}

// Product is a purchasable GPU SKU in one region.
type Product struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Region    string  `json:"region"`
	SpotPrice float64 `json:"spotPrice"`
	Price     float64 `json:"price"`
}

// Template describes the image and runtime surface of an instance.
type Template struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	ImageRef  string            `json:"imageRef"`
	ImageAuth string            `json:"imageAuth,omitempty"`
	Ports     []int             `json:"ports,omitempty"`
	EnvVars   map[string]string `json:"envVars,omitempty"`
}

// ProductFilter narrows ListProducts.
type ProductFilter struct {
	Name   string
	Region string
}

// CreateInstanceSpec is the composed provider create request.
type CreateInstanceSpec struct {
	Name       string            `json:"name"`
	ProductID  string            `json:"productId"`
	GPUCount   int               `json:"gpuNum"`
	RootDiskGB int               `json:"rootfsSize"`
	ImageRef   string            `json:"imageUrl"`
	ImageAuth  string            `json:"imageAuth,omitempty"`
	Ports      []int             `json:"ports,omitempty"`
	EnvVars    map[string]string `json:"envs,omitempty"`
}

// InstancePage is one page of the provider's instance list.
type InstancePage struct {
	Instances  []ProviderInstance
	NextCursor string
}

// ProviderClient is the resilient outbound pipeline to the cloud provider.
// Implementations own rate limiting, circuit breaking, retry, and timeouts;
// callers see only the typed failure modes of the domain taxonomy.
type ProviderClient interface {
	GetInstance(ctx context.Context, providerID string) (ProviderInstance, error)
	ListInstances(ctx context.Context, cursor string) (InstancePage, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error)
	GetTemplate(ctx context.Context, templateID string) (Template, error)
	CreateInstance(ctx context.Context, spec CreateInstanceSpec) (ProviderInstance, error)
	StartInstance(ctx context.Context, providerID string) error
	StopInstance(ctx context.Context, providerID string) error
	DeleteInstance(ctx context.Context, providerID string) error
	MigrateInstance(ctx context.Context, providerID string) error
}
