package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// StorageConfigEnv overrides the storage registry location.
const StorageConfigEnv = "EVENTLAKE_STORAGE_CONFIG"

// Registry lists the blob storage accounts the lake can publish to, grouped
// by subscription and environment.
type Registry struct {
	Subscriptions map[string]Subscription `yaml:"subscriptions"`
}

// Subscription groups the environments of one cloud subscription
type Subscription struct {
	Name         string                 `yaml:"name"`
	Environments map[string]Environment `yaml:"environments"`
}

// Environment holds the storage account of one environment
type Environment struct {
	Name           string         `yaml:"name"`
	StorageAccount StorageAccount `yaml:"storage_account"`
}

// StorageAccount is an Azure Storage account and its shared key
type StorageAccount struct {
	AccountName string `yaml:"account_name"`
	AccessKey   string `yaml:"access_key"`
}

// Masked returns a copy of the account safe for logging.
func (s StorageAccount) Masked() StorageAccount {
	return StorageAccount{
		AccountName: s.AccountName,
		AccessKey:   maskCredential(s.AccessKey, 4),
	}
}

// registryPaths returns candidate registry locations, most specific first
func registryPaths() []string {
	var paths []string
	if p := os.Getenv(StorageConfigEnv); p != "" {
		paths = append(paths, p)
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".eventlake", "storage.yaml"),
			filepath.Join(homeDir, ".config", "eventlake", "storage.yaml"),
		)
	}

	// Working directory copy, convenient for local runs
	return append(paths, "storage.yaml")
}

// LoadRegistry reads the storage registry from path, or from the first
// readable default location when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	paths := registryPaths()
	if path != "" {
		paths = []string{path}
	}

	var lastErr error
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			lastErr = fmt.Errorf("failed to read %s: %w", p, err)
			continue
		}

		var reg Registry
		if err := yaml.Unmarshal(data, &reg); err != nil {
			lastErr = fmt.Errorf("failed to parse %s: %w", p, err)
			continue
		}
		return &reg, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("no storage registry found in any of these locations: %s", strings.Join(paths, ", "))
}

// SubscriptionIDs returns the sorted subscription IDs
func (r *Registry) SubscriptionIDs() []string {
	ids := make([]string, 0, len(r.Subscriptions))
	for id := range r.Subscriptions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EnvironmentIDs returns the sorted environments of a subscription
func (r *Registry) EnvironmentIDs(subscriptionID string) []string {
	sub, ok := r.Subscriptions[subscriptionID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(sub.Environments))
	for id := range sub.Environments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetStorageAccount returns the account for a subscription and environment
func (r *Registry) GetStorageAccount(subscriptionID, environment string) (StorageAccount, error) {
	sub, ok := r.Subscriptions[subscriptionID]
	if !ok {
		return StorageAccount{}, fmt.Errorf("subscription '%s' not found", subscriptionID)
	}

	env, ok := sub.Environments[environment]
	if !ok {
		return StorageAccount{}, fmt.Errorf("environment '%s' not found in subscription '%s'", environment, subscriptionID)
	}

	return env.StorageAccount, nil
}

// maskCredential keeps only the first few characters of a secret visible
func maskCredential(value string, visibleChars int) string {
	if len(value) <= visibleChars {
		return strings.Repeat("*", 8)
	}
	return value[:visibleChars] + strings.Repeat("*", len(value)-visibleChars)
}

// Validate reports every structural problem found in the registry.
func (r *Registry) Validate() []string {
	var issues []string

	if len(r.Subscriptions) == 0 {
		return append(issues, "no subscriptions found")
	}

	for _, subID := range r.SubscriptionIDs() {
		sub := r.Subscriptions[subID]
		if len(sub.Environments) == 0 {
			issues = append(issues, fmt.Sprintf("subscription '%s' has no environments", subID))
			continue
		}

		for _, envID := range r.EnvironmentIDs(subID) {
			acct := sub.Environments[envID].StorageAccount
			if acct.AccountName == "" {
				issues = append(issues, fmt.Sprintf("%s/%s missing 'account_name'", subID, envID))
			}
			if acct.AccessKey == "" {
				issues = append(issues, fmt.Sprintf("%s/%s missing 'access_key'", subID, envID))
			}
		}
	}

	return issues
}
