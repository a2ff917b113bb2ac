package model

// PathStep is one predicate hop from a subject towards its organization.
type PathStep struct {
	Predicate string `yaml:"predicate" json:"predicate"`
	Inverse   bool   `yaml:"inverse" json:"inverse"`
}

// TypeRoutingRule decides where resources of Type end up after ingestion.
// Without a path they are public; otherwise the path leads to the owning
// organization whose graph receives them.
type TypeRoutingRule struct {
	Type      string     `yaml:"type" json:"type"`
	PathToOrg []PathStep `yaml:"pathToOrg" json:"path_to_org,omitempty"`
}

func (r TypeRoutingRule) IsPublic() bool {
	return len(r.PathToOrg) == 0
}
