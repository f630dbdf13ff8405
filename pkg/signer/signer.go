// Package signer assina requisições de webhook já renderizadas.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/raywall/fast-webhook-pipeline/pkg/domain"
)

const (
	HeaderSignature     = "X-Webhook-Signature"
	HeaderTimestamp     = "X-Webhook-Timestamp"
	HeaderAlgorithm     = "X-Webhook-Signature-Algorithm"
	HeaderAuthorization = "Authorization"

	HeaderExecutionID = "X-Webhook-Execution-ID"
	HeaderPipelineID  = "X-Webhook-Pipeline-ID"
	HeaderStep        = "X-Webhook-Step"
	HeaderAttempt     = "X-Webhook-Attempt"

	AlgorithmHMAC = "HMAC-SHA256"
	Issuer        = "fast-webhook-pipeline"

	tokenTTL = 5 * time.Minute
)

var (
	ErrUnknownMode      = errors.New("modo de assinatura desconhecido")
	ErrMissingKey       = errors.New("chave de assinatura ausente")
	ErrInvalidSignature = errors.New("assinatura inválida")
)

// Request é a visão mínima da requisição necessária para assinar.
type Request struct {
	ExecutionID string
	PipelineID  string
	StepID      string
	TriggerType domain.TriggerType
	Body        []byte
}

// Claims são as claims do token emitido no modo jwt.
type Claims struct {
	ExecutionID string `json:"execution_id"`
	TriggerType string `json:"trigger_type"`
	PipelineID  string `json:"pipeline_id,omitempty"`
	StepID      string `json:"step_id,omitempty"`
	jwt.RegisteredClaims
}

// Signer produz os headers de assinatura. now é injetável para testes.
type Signer struct {
	now func() time.Time
}

func New() *Signer {
	return &Signer{now: time.Now}
}

// Sign devolve os headers a aplicar na requisição. Modo none devolve mapa vazio.
// A chave nunca aparece nos headers devolvidos.
func (s *Signer) Sign(req Request, mode domain.SignatureMode, key string) (map[string]string, error) {
	headers := map[string]string{}

	switch mode {
	case "", domain.SignatureNone:
		return headers, nil

	case domain.SignatureHMAC:
		if key == "" {
			return nil, ErrMissingKey
		}
		headers[HeaderSignature] = ComputeHMAC(req.Body, key)
		headers[HeaderTimestamp] = strconv.FormatInt(s.now().Unix(), 10)
		headers[HeaderAlgorithm] = AlgorithmHMAC
		return headers, nil

	case domain.SignatureJWT:
		if key == "" {
			return nil, ErrMissingKey
		}
		token, err := s.issueToken(req, key)
		if err != nil {
			return nil, err
		}
		headers[HeaderAuthorization] = "Bearer " + token
		return headers, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
}

func (s *Signer) issueToken(req Request, key string) (string, error) {
	now := s.now()
	claims := Claims{
		ExecutionID: req.ExecutionID,
		TriggerType: string(req.TriggerType),
		PipelineID:  req.PipelineID,
		StepID:      req.StepID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(key))
	if err != nil {
		return "", fmt.Errorf("falha ao assinar jwt: %w", err)
	}
	return signed, nil
}

// ComputeHMAC devolve o HMAC-SHA256 do body em hexadecimal.
func ComputeHMAC(body []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC compara a assinatura recebida em tempo constante.
func VerifyHMAC(body []byte, key, signature string) bool {
	expected := ComputeHMAC(body, key)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyJWT valida um token emitido por Sign e devolve suas claims.
func VerifyJWT(tokenString, key string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("método de assinatura inesperado: %v", token.Header["alg"])
		}
		return []byte(key), nil
	}, jwt.WithIssuer(Issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidSignature
	}
	return claims, nil
}

// MetadataHeaders identifica a entrega para o receptor.
func MetadataHeaders(executionID, pipelineID, stepID string, attempt int) map[string]string {
	return map[string]string{
		HeaderExecutionID: executionID,
		HeaderPipelineID:  pipelineID,
		HeaderStep:        stepID,
		HeaderAttempt:     strconv.Itoa(attempt),
	}
}
