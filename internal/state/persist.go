package state

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kiranshivaraju/hubfeed-agent/internal/jsonfile"
	"github.com/kiranshivaraju/hubfeed-agent/pkg/models"
)

// Persister loads and stores agent state. Missing documents load as zero values.
type Persister interface {
	LoadAgent() (models.AgentConfig, error)
	SaveAgent(cfg models.AgentConfig) error
	LoadAvatars() ([]*models.Avatar, error)
	SaveAvatars(avatars []*models.Avatar) error
	LoadBlacklist() (models.Blacklist, error)
	SaveBlacklist(bl models.Blacklist) error
}

const (
	agentFile     = "config.json"
	avatarsFile   = "avatars.json"
	blacklistFile = "blacklist.json"
)

// JSONFiles persists state as JSON documents under a data directory.
type JSONFiles struct {
	dir string
}

// NewJSONFiles creates the data directory if needed.
func NewJSONFiles(dir string) (*JSONFiles, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &JSONFiles{dir: dir}, nil
}

// Dir returns the data directory.
func (j *JSONFiles) Dir() string {
	return j.dir
}

type avatarsDoc struct {
	Avatars []*models.Avatar `json:"avatars"`
}

func (j *JSONFiles) LoadAgent() (models.AgentConfig, error) {
	var cfg models.AgentConfig
	if _, err := jsonfile.Read(j.path(agentFile), &cfg); err != nil {
		return models.AgentConfig{}, err
	}
	return cfg, nil
}

func (j *JSONFiles) SaveAgent(cfg models.AgentConfig) error {
	return jsonfile.Write(j.path(agentFile), cfg)
}

func (j *JSONFiles) LoadAvatars() ([]*models.Avatar, error) {
	var doc avatarsDoc
	if _, err := jsonfile.Read(j.path(avatarsFile), &doc); err != nil {
		return nil, err
	}
	return doc.Avatars, nil
}

func (j *JSONFiles) SaveAvatars(avatars []*models.Avatar) error {
	if avatars == nil {
		avatars = []*models.Avatar{}
	}
	return jsonfile.Write(j.path(avatarsFile), avatarsDoc{Avatars: avatars})
}

func (j *JSONFiles) LoadBlacklist() (models.Blacklist, error) {
	var bl models.Blacklist
	if _, err := jsonfile.Read(j.path(blacklistFile), &bl); err != nil {
		return models.Blacklist{}, err
	}
	return bl, nil
}

func (j *JSONFiles) SaveBlacklist(bl models.Blacklist) error {
	return jsonfile.Write(j.path(blacklistFile), normalizeBlacklist(bl))
}

func (j *JSONFiles) path(name string) string {
	return filepath.Join(j.dir, name)
}

var _ Persister = (*JSONFiles)(nil)
