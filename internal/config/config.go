// Package config loads and validates the qloader configuration
// document: one YAML (or JSON) file with a `global` section and a
// `projects` map, `${VAR}` environment expansion, and QLOADER_*
// environment overrides.
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/qloader/internal/sanitize"
)

// Config is the root of the resolved configuration document.
type Config struct {
	Global   Global             `koanf:"global" json:"global"`
	Projects map[string]Project `koanf:"projects" json:"projects"`
}

// Global holds settings shared by every project.
type Global struct {
	Qdrant         Qdrant         `koanf:"qdrant" json:"qdrant"`
	LLM            LLM            `koanf:"llm" json:"llm"`
	Chunking       Chunking       `koanf:"chunking" json:"chunking"`
	FileConversion FileConversion `koanf:"file_conversion" json:"file_conversion"`
	State          State          `koanf:"state" json:"state"`
	Sanitize       Sanitize       `koanf:"sanitize" json:"sanitize"`
	Telemetry      Telemetry      `koanf:"telemetry" json:"telemetry"`
	Events         Events         `koanf:"events" json:"events"`
	MetricsAddr    string         `koanf:"metrics_addr" json:"metrics_addr,omitempty"`
}

// Qdrant holds vector store connection settings.
type Qdrant struct {
	URL            string `koanf:"url" json:"url"`
	APIKey         Secret `koanf:"api_key" json:"api_key"`
	CollectionName string `koanf:"collection_name" json:"collection_name"`
	TimeoutS       int    `koanf:"timeout_s" json:"timeout_s"`
	BatchSize      int    `koanf:"batch_size" json:"batch_size"`
}

// Timeout returns the per-call timeout.
func (q Qdrant) Timeout() time.Duration {
	return time.Duration(q.TimeoutS) * time.Second
}

// LLM holds embedding provider settings.
type LLM struct {
	Provider   string        `koanf:"provider" json:"provider"`
	BaseURL    string        `koanf:"base_url" json:"base_url"`
	APIKey     Secret        `koanf:"api_key" json:"api_key"`
	APIVersion string        `koanf:"api_version" json:"api_version,omitempty"`
	Models     LLMModels     `koanf:"models" json:"models"`
	Request    LLMRequest    `koanf:"request" json:"request"`
	RateLimits LLMRateLimits `koanf:"rate_limits" json:"rate_limits"`
	Embeddings LLMEmbeddings `koanf:"embeddings" json:"embeddings"`
}

// LLMModels names the models used per capability.
type LLMModels struct {
	Embeddings string `koanf:"embeddings" json:"embeddings"`
	Chat       string `koanf:"chat" json:"chat,omitempty"`
}

// LLMRequest holds retry and timeout budgets for provider calls.
type LLMRequest struct {
	TimeoutS    int     `koanf:"timeout_s" json:"timeout_s"`
	MaxRetries  int     `koanf:"max_retries" json:"max_retries"`
	BackoffSMin float64 `koanf:"backoff_s_min" json:"backoff_s_min"`
	BackoffSMax float64 `koanf:"backoff_s_max" json:"backoff_s_max"`
}

// Timeout returns the per-call timeout.
func (r LLMRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutS) * time.Second
}

// LLMRateLimits caps provider throughput.
type LLMRateLimits struct {
	RPM         int `koanf:"rpm" json:"rpm"`
	Concurrency int `koanf:"concurrency" json:"concurrency"`
}

// LLMEmbeddings holds embedding-specific settings.
type LLMEmbeddings struct {
	VectorSize int `koanf:"vector_size" json:"vector_size"`
	MaxBatch   int `koanf:"max_batch" json:"max_batch"`
}

// Chunking holds chunker budgets. Sizes are in tokens, the byte cap in
// bytes.
type Chunking struct {
	ChunkSize     int `koanf:"chunk_size" json:"chunk_size"`
	ChunkOverlap  int `koanf:"chunk_overlap" json:"chunk_overlap"`
	MaxChunkBytes int `koanf:"max_chunk_bytes" json:"max_chunk_bytes"`
}

// FileConversion bounds the converter.
type FileConversion struct {
	MaxFileSize        int64 `koanf:"max_file_size" json:"max_file_size"`
	ConversionTimeoutS int   `koanf:"conversion_timeout_s" json:"conversion_timeout_s"`
}

// Timeout returns the per-document conversion budget.
func (f FileConversion) Timeout() time.Duration {
	return time.Duration(f.ConversionTimeoutS) * time.Second
}

// State locates the state store.
type State struct {
	DatabasePath string `koanf:"database_path" json:"database_path"`
}

// Sanitize controls secret scanning of document content before upsert.
type Sanitize struct {
	DetectSecrets bool   `koanf:"detect_secrets" json:"detect_secrets"`
	AllowlistPath string `koanf:"allowlist_path" json:"allowlist_path,omitempty"`
}

// Telemetry controls the optional OTLP exporters.
type Telemetry struct {
	Enabled     bool    `koanf:"enabled" json:"enabled"`
	Endpoint    string  `koanf:"endpoint" json:"endpoint,omitempty"`
	Protocol    string  `koanf:"protocol" json:"protocol,omitempty"`
	Insecure    bool    `koanf:"insecure" json:"insecure"`
	ServiceName string  `koanf:"service_name" json:"service_name"`
	Sampling    float64 `koanf:"sampling" json:"sampling"`
}

// Events controls optional NATS publication of ingest lifecycle events.
type Events struct {
	NATSURL       string `koanf:"nats_url" json:"nats_url,omitempty"`
	SubjectPrefix string `koanf:"subject_prefix" json:"subject_prefix"`
}

// Project is one logical grouping of sources feeding one collection.
type Project struct {
	DisplayName string  `koanf:"display_name" json:"display_name"`
	Description string  `koanf:"description" json:"description,omitempty"`
	Sources     Sources `koanf:"sources" json:"sources"`
}

// Sources groups source instances by type. Map keys are source names.
type Sources struct {
	LocalFile  map[string]LocalFileSource  `koanf:"localfile" json:"localfile,omitempty"`
	Git        map[string]GitSource        `koanf:"git" json:"git,omitempty"`
	Confluence map[string]ConfluenceSource `koanf:"confluence" json:"confluence,omitempty"`
	Jira       map[string]JiraSource       `koanf:"jira" json:"jira,omitempty"`
	PublicDocs map[string]PublicDocsSource `koanf:"publicdocs" json:"publicdocs,omitempty"`
}

// Count returns the number of configured source instances.
func (s Sources) Count() int {
	return len(s.LocalFile) + len(s.Git) + len(s.Confluence) + len(s.Jira) + len(s.PublicDocs)
}

// LocalFileSource walks a directory tree.
type LocalFileSource struct {
	BasePath     string   `koanf:"base_path" json:"base_path"`
	IncludePaths []string `koanf:"include_paths" json:"include_paths,omitempty"`
	ExcludePaths []string `koanf:"exclude_paths" json:"exclude_paths,omitempty"`
	FileTypes    []string `koanf:"file_types" json:"file_types,omitempty"`
	MaxFileSize  int64    `koanf:"max_file_size" json:"max_file_size,omitempty"`
}

// GitSource clones a repository and walks its tree.
type GitSource struct {
	BaseURL      string   `koanf:"base_url" json:"base_url"`
	Branch       string   `koanf:"branch" json:"branch,omitempty"`
	Token        Secret   `koanf:"token" json:"token"`
	IncludePaths []string `koanf:"include_paths" json:"include_paths,omitempty"`
	ExcludePaths []string `koanf:"exclude_paths" json:"exclude_paths,omitempty"`
	FileTypes    []string `koanf:"file_types" json:"file_types,omitempty"`
	MaxFileSize  int64    `koanf:"max_file_size" json:"max_file_size,omitempty"`
}

// ConfluenceSource enumerates pages and attachments of one space.
type ConfluenceSource struct {
	BaseURL           string   `koanf:"base_url" json:"base_url"`
	DeploymentType    string   `koanf:"deployment_type" json:"deployment_type"`
	SpaceKey          string   `koanf:"space_key" json:"space_key"`
	Token             Secret   `koanf:"token" json:"token"`
	Email             string   `koanf:"email" json:"email,omitempty"`
	IncludeLabels     []string `koanf:"include_labels" json:"include_labels,omitempty"`
	ExcludeLabels     []string `koanf:"exclude_labels" json:"exclude_labels,omitempty"`
	RequestsPerMinute int      `koanf:"requests_per_minute" json:"requests_per_minute"`
}

// JiraSource enumerates issues of one project key.
type JiraSource struct {
	BaseURL             string   `koanf:"base_url" json:"base_url"`
	DeploymentType      string   `koanf:"deployment_type" json:"deployment_type"`
	ProjectKey          string   `koanf:"project_key" json:"project_key"`
	Token               Secret   `koanf:"token" json:"token"`
	Email               string   `koanf:"email" json:"email,omitempty"`
	IssueTypes          []string `koanf:"issue_types" json:"issue_types,omitempty"`
	DownloadAttachments bool     `koanf:"download_attachments" json:"download_attachments"`
	RequestsPerMinute   int      `koanf:"requests_per_minute" json:"requests_per_minute"`
}

// PublicDocsSource crawls a documentation site under one version path.
type PublicDocsSource struct {
	BaseURL           string   `koanf:"base_url" json:"base_url"`
	Version           string   `koanf:"version" json:"version,omitempty"`
	ContentSelector   string   `koanf:"content_selector" json:"content_selector,omitempty"`
	PathPattern       string   `koanf:"path_pattern" json:"path_pattern,omitempty"`
	ExcludePaths      []string `koanf:"exclude_paths" json:"exclude_paths,omitempty"`
	RequestsPerMinute int      `koanf:"requests_per_minute" json:"requests_per_minute"`
}

// Source type identifiers as they appear under `sources:` and in
// document identity.
const (
	SourceTypeLocalFile  = "localfile"
	SourceTypeGit        = "git"
	SourceTypeConfluence = "confluence"
	SourceTypeJira       = "jira"
	SourceTypePublicDocs = "publicdocs"
)

// SourceTypes lists every supported source type.
func SourceTypes() []string {
	return []string{
		SourceTypeLocalFile,
		SourceTypeGit,
		SourceTypeConfluence,
		SourceTypeJira,
		SourceTypePublicDocs,
	}
}

// Deployment types for Confluence and Jira.
const (
	DeploymentCloud      = "cloud"
	DeploymentDataCenter = "datacenter"
)

// Embedding provider identifiers.
const (
	ProviderOpenAI       = "openai"
	ProviderAzureOpenAI  = "azure_openai"
	ProviderOpenAICompat = "openai_compat"
	ProviderOllama       = "ollama"
	ProviderLocal        = "local"
)

var projectIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidProjectID reports whether id satisfies the project id grammar.
func ValidProjectID(id string) bool {
	return projectIDPattern.MatchString(id)
}

func applyDefaults(cfg *Config) {
	g := &cfg.Global

	if g.Qdrant.URL == "" {
		g.Qdrant.URL = "http://localhost:6334"
	}
	g.Qdrant.CollectionName = sanitize.CollectionName(g.Qdrant.CollectionName)
	if g.Qdrant.TimeoutS == 0 {
		g.Qdrant.TimeoutS = 30
	}
	if g.Qdrant.BatchSize == 0 {
		g.Qdrant.BatchSize = 64
	}

	if g.LLM.Provider == "" {
		g.LLM.Provider = ProviderOpenAI
	}
	if g.LLM.Models.Embeddings == "" {
		g.LLM.Models.Embeddings = "text-embedding-3-small"
	}
	if g.LLM.Request.TimeoutS == 0 {
		g.LLM.Request.TimeoutS = 60
	}
	if g.LLM.Request.MaxRetries == 0 {
		g.LLM.Request.MaxRetries = 5
	}
	if g.LLM.Request.BackoffSMin == 0 {
		g.LLM.Request.BackoffSMin = 1
	}
	if g.LLM.Request.BackoffSMax == 0 {
		g.LLM.Request.BackoffSMax = 30
	}
	if g.LLM.RateLimits.RPM == 0 {
		g.LLM.RateLimits.RPM = 600
	}
	if g.LLM.RateLimits.Concurrency == 0 {
		g.LLM.RateLimits.Concurrency = 4
	}
	if g.LLM.Embeddings.VectorSize == 0 {
		g.LLM.Embeddings.VectorSize = defaultVectorSize(g.LLM.Provider, g.LLM.Models.Embeddings)
	}
	if g.LLM.Embeddings.MaxBatch == 0 {
		g.LLM.Embeddings.MaxBatch = 64
	}

	if g.Chunking.ChunkSize == 0 {
		g.Chunking.ChunkSize = 500
	}
	if g.Chunking.ChunkOverlap == 0 {
		g.Chunking.ChunkOverlap = 50
	}
	if g.Chunking.MaxChunkBytes == 0 {
		g.Chunking.MaxChunkBytes = 16384
	}

	if g.FileConversion.MaxFileSize == 0 {
		g.FileConversion.MaxFileSize = 10 * 1024 * 1024
	}
	if g.FileConversion.ConversionTimeoutS == 0 {
		g.FileConversion.ConversionTimeoutS = 30
	}

	if g.Telemetry.ServiceName == "" {
		g.Telemetry.ServiceName = "qloader"
	}
	if g.Telemetry.Sampling == 0 {
		g.Telemetry.Sampling = 1.0
	}
	if g.Events.SubjectPrefix == "" {
		g.Events.SubjectPrefix = "qloader"
	}

	for name, project := range cfg.Projects {
		for sname, c := range project.Sources.Confluence {
			if c.DeploymentType == "" {
				c.DeploymentType = DeploymentCloud
			}
			if c.RequestsPerMinute == 0 {
				c.RequestsPerMinute = 60
			}
			project.Sources.Confluence[sname] = c
		}
		for sname, j := range project.Sources.Jira {
			if j.DeploymentType == "" {
				j.DeploymentType = DeploymentCloud
			}
			if j.RequestsPerMinute == 0 {
				j.RequestsPerMinute = 60
			}
			project.Sources.Jira[sname] = j
		}
		for sname, p := range project.Sources.PublicDocs {
			if p.RequestsPerMinute == 0 {
				p.RequestsPerMinute = 60
			}
			project.Sources.PublicDocs[sname] = p
		}
		cfg.Projects[name] = project
	}
}

func defaultVectorSize(provider, model string) int {
	switch model {
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	case "text-embedding-3-large":
		return 3072
	case "BAAI/bge-small-en-v1.5", "all-MiniLM-L6-v2":
		return 384
	case "BAAI/bge-base-en-v1.5", "nomic-embed-text":
		return 768
	}
	if provider == ProviderLocal {
		return 384
	}
	return 1536
}

// Validate checks the configuration for schema violations. Callers
// treat any returned error as a Config error.
func (c *Config) Validate() error {
	g := c.Global

	if g.Qdrant.URL == "" {
		return fmt.Errorf("global.qdrant.url is required")
	}
	if g.Qdrant.CollectionName == "" {
		return fmt.Errorf("global.qdrant.collection_name is required")
	}
	if g.Qdrant.BatchSize < 1 {
		return fmt.Errorf("global.qdrant.batch_size must be positive, got %d", g.Qdrant.BatchSize)
	}

	switch g.LLM.Provider {
	case ProviderOpenAI, ProviderAzureOpenAI, ProviderOpenAICompat, ProviderOllama, ProviderLocal:
	default:
		return fmt.Errorf("global.llm.provider %q is not one of openai, azure_openai, openai_compat, ollama, local", g.LLM.Provider)
	}
	if g.LLM.Embeddings.VectorSize < 1 {
		return fmt.Errorf("global.llm.embeddings.vector_size must be positive, got %d", g.LLM.Embeddings.VectorSize)
	}

	if g.Chunking.ChunkSize < 1 {
		return fmt.Errorf("global.chunking.chunk_size must be positive, got %d", g.Chunking.ChunkSize)
	}
	if g.Chunking.ChunkOverlap < 0 || g.Chunking.ChunkOverlap >= g.Chunking.ChunkSize {
		return fmt.Errorf("global.chunking.chunk_overlap must be in [0, chunk_size), got %d", g.Chunking.ChunkOverlap)
	}
	if g.Chunking.MaxChunkBytes < 1 {
		return fmt.Errorf("global.chunking.max_chunk_bytes must be positive, got %d", g.Chunking.MaxChunkBytes)
	}

	for id, project := range c.Projects {
		if !ValidProjectID(id) {
			return fmt.Errorf("project id %q does not match ^[a-z0-9][a-z0-9_-]{0,63}$", id)
		}
		if err := validateProjectSources(id, project.Sources); err != nil {
			return err
		}
	}
	return nil
}

func validateProjectSources(projectID string, s Sources) error {
	for name, src := range s.LocalFile {
		if src.BasePath == "" {
			return fmt.Errorf("project %s: localfile source %q: base_path is required", projectID, name)
		}
	}
	for name, src := range s.Git {
		if src.BaseURL == "" {
			return fmt.Errorf("project %s: git source %q: base_url is required", projectID, name)
		}
	}
	for name, src := range s.Confluence {
		if src.BaseURL == "" || src.SpaceKey == "" {
			return fmt.Errorf("project %s: confluence source %q: base_url and space_key are required", projectID, name)
		}
		if src.DeploymentType != DeploymentCloud && src.DeploymentType != DeploymentDataCenter {
			return fmt.Errorf("project %s: confluence source %q: deployment_type %q is not cloud or datacenter", projectID, name, src.DeploymentType)
		}
	}
	for name, src := range s.Jira {
		if src.BaseURL == "" || src.ProjectKey == "" {
			return fmt.Errorf("project %s: jira source %q: base_url and project_key are required", projectID, name)
		}
		if src.DeploymentType != DeploymentCloud && src.DeploymentType != DeploymentDataCenter {
			return fmt.Errorf("project %s: jira source %q: deployment_type %q is not cloud or datacenter", projectID, name, src.DeploymentType)
		}
	}
	for name, src := range s.PublicDocs {
		if src.BaseURL == "" {
			return fmt.Errorf("project %s: publicdocs source %q: base_url is required", projectID, name)
		}
	}
	return nil
}
