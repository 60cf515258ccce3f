package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"

	"github.com/netroby/scm-manager/pkg/logger"
)

// Service 校验控制台 API 的静态访问令牌。未配置令牌时认证关闭。
type Service struct {
	tokens []storedToken
	audit  *slog.Logger
}

type storedToken struct {
	digest  [sha256.Size]byte
	subject Subject
}

// NewService 根据令牌列表创建认证服务。令牌为空或名称重复时返回错误。
func NewService(tokens []Token) (*Service, error) {
	s := &Service{audit: logger.Audit()}
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if strings.TrimSpace(t.Token) == "" {
			return nil, errors.New("auth token cannot be empty")
		}
		if _, dup := seen[t.Name]; dup {
			return nil, errors.New("duplicate auth token name " + t.Name)
		}
		seen[t.Name] = struct{}{}
		s.tokens = append(s.tokens, storedToken{
			digest: sha256.Sum256([]byte(t.Token)),
			subject: Subject{
				Name:        t.Name,
				Permissions: append([]string(nil), t.Permissions...),
				Disabled:    t.Disabled,
			},
		})
	}
	return s, nil
}

// Enabled 表示是否配置了至少一个令牌。
func (s *Service) Enabled() bool {
	return s != nil && len(s.tokens) > 0
}

// AuthenticateRequest 解析 Authorization 头并返回令牌对应的主体。
func (s *Service) AuthenticateRequest(_ context.Context, header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))

	var match *Subject
	for i := range s.tokens {
		if subtle.ConstantTimeCompare(digest[:], s.tokens[i].digest[:]) == 1 {
			subject := s.tokens[i].subject
			subject.Permissions = append([]string(nil), subject.Permissions...)
			match = &subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.Disabled {
		return nil, ErrSubjectRevoked
	}
	return match, nil
}
