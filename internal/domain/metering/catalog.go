package metering

// CatalogDefinition is the declarative shape a TierCatalog is compiled
// from, typically loaded from a TOML document. In the file format a limit
// of -1 means unlimited; the convention is converted into the tagged Limit
// type at compile time and never escapes this boundary.
type CatalogDefinition struct {
	Services []ServiceDefinition `mapstructure:"services"`
}

// ServiceDefinition declares one service's metrics and tiers
type ServiceDefinition struct {
	Name        string             `mapstructure:"name"`
	DefaultTier string             `mapstructure:"default_tier"`
	Metrics     []MetricDefinition `mapstructure:"metrics"`
	Tiers       []TierDefinition   `mapstructure:"tiers"`
}

// MetricDefinition declares one metric and its reset cadence
type MetricDefinition struct {
	Name    string `mapstructure:"name"`
	Cadence string `mapstructure:"cadence"`
}

// TierDefinition declares per-metric limits for one tier. Metrics absent
// from Limits default to zero (fully restricted).
type TierDefinition struct {
	Name   string           `mapstructure:"name"`
	Limits map[string]int64 `mapstructure:"limits"`
}

// TierCatalog is the immutable, process-wide registry of services, metrics
// and tier limits. It is built once at startup and safe to share across all
// concurrent callers without locking.
type TierCatalog struct {
	services map[Service]*serviceCatalog
}

type serviceCatalog struct {
	defaultTier string
	metrics     []Metric
	cadences    map[MetricName]Cadence
	tiers       map[string]map[MetricName]Limit
}

// NewTierCatalog compiles a definition into a catalog. Every declared tier
// receives an entry for every declared metric; a tier that does not mention
// a metric gets ZeroLimit, never Unlimited.
func NewTierCatalog(def CatalogDefinition) (*TierCatalog, error) {
	if len(def.Services) == 0 {
		return nil, NewConfigurationError("tier catalog defines no services")
	}

	catalog := &TierCatalog{services: make(map[Service]*serviceCatalog, len(def.Services))}

	for _, svcDef := range def.Services {
		svc := Service(svcDef.Name)
		if !svc.IsValid() {
			return nil, NewConfigurationError("tier catalog contains a service with no name")
		}
		if _, dup := catalog.services[svc]; dup {
			return nil, NewConfigurationError("service %q is defined twice", svc)
		}
		if len(svcDef.Metrics) == 0 {
			return nil, NewConfigurationError("service %q defines no metrics", svc)
		}
		if len(svcDef.Tiers) == 0 {
			return nil, NewConfigurationError("service %q defines no tiers", svc)
		}

		sc := &serviceCatalog{
			defaultTier: svcDef.DefaultTier,
			metrics:     make([]Metric, 0, len(svcDef.Metrics)),
			cadences:    make(map[MetricName]Cadence, len(svcDef.Metrics)),
			tiers:       make(map[string]map[MetricName]Limit, len(svcDef.Tiers)),
		}

		for _, m := range svcDef.Metrics {
			name := MetricName(m.Name)
			cadence := Cadence(m.Cadence)
			if !name.IsValid() {
				return nil, NewConfigurationError("service %q contains a metric with no name", svc)
			}
			if !cadence.IsValid() {
				return nil, NewConfigurationError("metric %q of service %q has invalid cadence %q", name, svc, m.Cadence)
			}
			if _, dup := sc.cadences[name]; dup {
				return nil, NewConfigurationError("metric %q of service %q is defined twice", name, svc)
			}
			sc.metrics = append(sc.metrics, Metric{Name: name, Cadence: cadence})
			sc.cadences[name] = cadence
		}

		for _, tier := range svcDef.Tiers {
			if tier.Name == "" {
				return nil, NewConfigurationError("service %q contains a tier with no name", svc)
			}
			if _, dup := sc.tiers[tier.Name]; dup {
				return nil, NewConfigurationError("tier %q of service %q is defined twice", tier.Name, svc)
			}

			limits := make(map[MetricName]Limit, len(sc.metrics))
			for _, m := range sc.metrics {
				limits[m.Name] = ZeroLimit
			}
			for metricName, raw := range tier.Limits {
				name := MetricName(metricName)
				if _, known := sc.cadences[name]; !known {
					return nil, NewConfigurationError("tier %q of service %q limits unknown metric %q", tier.Name, svc, name)
				}
				switch {
				case raw == -1:
					limits[name] = Unlimited
				case raw >= 0:
					limits[name] = FiniteLimit(raw)
				default:
					return nil, NewConfigurationError("tier %q of service %q has invalid limit %d for metric %q", tier.Name, svc, raw, name)
				}
			}
			sc.tiers[tier.Name] = limits
		}

		if _, ok := sc.tiers[sc.defaultTier]; !ok {
			return nil, NewConfigurationError("default tier %q of service %q is not a defined tier", sc.defaultTier, svc)
		}

		catalog.services[svc] = sc
	}

	return catalog, nil
}

// Services returns the names of every registered service
func (c *TierCatalog) Services() []Service {
	names := make([]Service, 0, len(c.services))
	for svc := range c.services {
		names = append(names, svc)
	}
	return names
}

// Limits returns a copy of the per-metric limits for a tier
func (c *TierCatalog) Limits(service Service, tier string) (map[MetricName]Limit, error) {
	sc, err := c.service(service)
	if err != nil {
		return nil, err
	}
	limits, ok := sc.tiers[tier]
	if !ok {
		return nil, NewConfigurationError("unknown tier %q for service %q", tier, service)
	}
	out := make(map[MetricName]Limit, len(limits))
	for name, limit := range limits {
		out[name] = limit
	}
	return out, nil
}

// Limit returns the cap for one metric within a tier
func (c *TierCatalog) Limit(service Service, tier string, metric MetricName) (Limit, error) {
	sc, err := c.service(service)
	if err != nil {
		return ZeroLimit, err
	}
	limits, ok := sc.tiers[tier]
	if !ok {
		return ZeroLimit, NewConfigurationError("unknown tier %q for service %q", tier, service)
	}
	limit, ok := limits[metric]
	if !ok {
		return ZeroLimit, NewConfigurationError("unknown metric %q for service %q", metric, service)
	}
	return limit, nil
}

// Metrics returns the metrics a service defines, in declaration order
func (c *TierCatalog) Metrics(service Service) ([]Metric, error) {
	sc, err := c.service(service)
	if err != nil {
		return nil, err
	}
	out := make([]Metric, len(sc.metrics))
	copy(out, sc.metrics)
	return out, nil
}

// Cadence returns the reset cadence of one metric
func (c *TierCatalog) Cadence(service Service, metric MetricName) (Cadence, error) {
	sc, err := c.service(service)
	if err != nil {
		return "", err
	}
	cadence, ok := sc.cadences[metric]
	if !ok {
		return "", NewConfigurationError("unknown metric %q for service %q", metric, service)
	}
	return cadence, nil
}

// DefaultTier returns the fallback tier used when a user has no active
// subscription for the service
func (c *TierCatalog) DefaultTier(service Service) (string, error) {
	sc, err := c.service(service)
	if err != nil {
		return "", err
	}
	return sc.defaultTier, nil
}

func (c *TierCatalog) service(service Service) (*serviceCatalog, error) {
	sc, ok := c.services[service]
	if !ok {
		return nil, NewConfigurationError("unknown service %q", service)
	}
	return sc, nil
}
