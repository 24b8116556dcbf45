package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/JeanGrijp/admission-controller/internal/core/domain"
	"github.com/JeanGrijp/admission-controller/internal/core/ports"
)

// StoreFactory cria um WindowStore dedicado a uma regra nomeada.
type StoreFactory func(name string, rule domain.Rule) (ports.WindowStore, error)

// Config agrega as regras utilizadas pelo serviço de admissão.
type Config struct {
	DefaultIPRule    domain.Rule
	DefaultTokenRule domain.Rule
	TokenRules       map[string]domain.Rule
}

// AdmissionService resolve a regra aplicável e delega ao controlador correspondente.
type AdmissionService struct {
	ipController           *AdmissionController
	defaultTokenController *AdmissionController
	tokenControllers       map[string]*AdmissionController
}

var _ ports.Admitter = (*AdmissionService)(nil)

// NewAdmissionService cria uma nova instância do serviço.
func NewAdmissionService(newStore StoreFactory, clock ports.Clock, cfg Config) (*AdmissionService, error) {
	if newStore == nil {
		return nil, fmt.Errorf("%w: store factory is required", domain.ErrInvalidConfig)
	}
	if cfg.DefaultIPRule.MaxEvents <= 0 {
		return nil, fmt.Errorf("%w: default IP rule must admit at least one event", domain.ErrInvalidConfig)
	}

	build := func(name string, rule domain.Rule) (*AdmissionController, error) {
		store, err := newStore(name, rule)
		if err != nil {
			return nil, fmt.Errorf("store for rule %s: %w", name, err)
		}
		controller, err := NewAdmissionController(store, clock, rule)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		return controller, nil
	}

	ipController, err := build("ip", cfg.DefaultIPRule)
	if err != nil {
		return nil, err
	}

	svc := &AdmissionService{
		ipController:     ipController,
		tokenControllers: make(map[string]*AdmissionController, len(cfg.TokenRules)),
	}

	if hasDefaultTokenRule(cfg.DefaultTokenRule) {
		if svc.defaultTokenController, err = build("token-default", cfg.DefaultTokenRule); err != nil {
			return nil, err
		}
	}

	for token, rule := range cfg.TokenRules {
		token = normalizeIdentifier(token)
		if token == "" {
			return nil, fmt.Errorf("%w: token override with empty token", domain.ErrInvalidConfig)
		}
		controller, err := build("token-"+token, rule)
		if err != nil {
			return nil, err
		}
		svc.tokenControllers[token] = controller
	}

	return svc, nil
}

// Allow avalia se a requisição pode prosseguir. Em caso de negação, a decisão
// é devolvida junto com domain.ErrRateLimited.
func (s *AdmissionService) Allow(ctx context.Context, req domain.AdmissionRequest) (domain.Decision, error) {
	controller, key := s.resolve(req)

	decision, err := controller.Admit(ctx, key)
	if err != nil {
		return domain.Decision{}, err
	}
	if !decision.Allowed {
		return decision, domain.ErrRateLimited
	}
	return decision, nil
}

func (s *AdmissionService) resolve(req domain.AdmissionRequest) (*AdmissionController, string) {
	if token := normalizeIdentifier(req.Token); token != "" {
		if controller, ok := s.tokenControllers[token]; ok {
			return controller, "token:" + token
		}
		if s.defaultTokenController != nil {
			return s.defaultTokenController, "token:" + token
		}
	}

	ip := normalizeIdentifier(req.IP)
	if ip == "" {
		// O controlador troca a chave vazia por domain.UnknownKey.
		return s.ipController, ""
	}
	return s.ipController, "ip:" + ip
}

// RuleStats identifica as estatísticas de um controlador pelo nome da regra.
type RuleStats struct {
	Rule string `json:"rule"`
	ControllerStats
}

// Stats devolve as estatísticas de todas as regras, ordenadas pelo nome.
func (s *AdmissionService) Stats(ctx context.Context) ([]RuleStats, error) {
	named := map[string]*AdmissionController{"ip": s.ipController}
	if s.defaultTokenController != nil {
		named["token-default"] = s.defaultTokenController
	}
	for token, controller := range s.tokenControllers {
		named["token-"+token] = controller
	}

	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]RuleStats, 0, len(names))
	for _, name := range names {
		stats, err := named[name].Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("stats for rule %s: %w", name, err)
		}
		out = append(out, RuleStats{Rule: name, ControllerStats: stats})
	}
	return out, nil
}

func hasDefaultTokenRule(rule domain.Rule) bool {
	return rule.MaxEvents > 0 && rule.Window > 0
}

func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
