package accesscontrol

import (
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"agentmarket-licensing/pkg/config"
)

var Module = fx.Module("accesscontrol",
	fx.Provide(ProvideEnforcer),
)

// Built-in RBAC model used when no model/policy files are configured.
// The only policy this service needs out of the box is the platform admin
// grant on license revocation.
const defaultModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

const (
	RoleAdmin = "platform_admin"

	ObjectLicense = "licenses"
	ActionRevoke  = "revoke"
)

func ProvideEnforcer(cfg *config.Config) (*casbin.Enforcer, error) {
	if cfg.AccessControl.Model != "" && cfg.AccessControl.Policy != "" {
		return casbin.NewEnforcer(cfg.AccessControl.Model, cfg.AccessControl.Policy)
	}

	m, err := model.NewModelFromString(defaultModel)
	if err != nil {
		return nil, err
	}

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}

	if _, err := e.AddPolicy(RoleAdmin, ObjectLicense, ActionRevoke); err != nil {
		return nil, err
	}

	zap.L().Info("[AccessControl] using built-in RBAC model")
	return e, nil
}

// CanRevoke reports whether any of the caller's roles grants license
// revocation. Enforce errors fail closed.
func CanRevoke(e *casbin.Enforcer, roles []string) bool {
	for _, role := range roles {
		ok, err := e.Enforce(role, ObjectLicense, ActionRevoke)
		if err != nil {
			zap.L().Error("casbin enforce failed", zap.String("role", role), zap.Error(err))
			continue
		}
		if ok {
			return true
		}
	}
	return false
}
