package server

import (
	"fmt"
	"io"
	"time"

	"github.com/AvaProtocol/ap-bundler/core/auth"
	"github.com/AvaProtocol/ap-bundler/core/config"
)

const defaultApiKeyTTL = time.Hour * 24 * 365

type CreateApiKeyOption struct {
	Roles   []string
	Subject string
	TTL     time.Duration
}

// CreateAdminKey prints a JWT signed with the jwt_secret of the config at configPath.
func CreateAdminKey(configPath string, opt CreateApiKeyOption, out io.Writer) error {
	nodeConfig, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %s\nMake sure it is exist and a valid yaml file %w.", configPath, err)
	}

	roles := make([]auth.ApiRole, len(opt.Roles))
	for i, v := range opt.Roles {
		roles[i] = auth.ApiRole(v)
	}

	ttl := opt.TTL
	if ttl <= 0 {
		ttl = defaultApiKeyTTL
	}

	key, err := auth.CreateApiKey(nodeConfig.JwtSecret, opt.Subject, roles, ttl, time.Now())
	if err != nil {
		return err
	}

	fmt.Fprintln(out, key)
	return nil
}
