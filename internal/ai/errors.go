package ai

import (
	"errors"

	"github.com/kiranshivaraju/clausewatch/pkg/models"
)

var (
	ErrProviderUnavailable = models.ErrModelUnavailable
	ErrInferenceTimeout    = models.ErrModelTimeout
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
	ErrAssetFailed         = errors.New("ai asset processing failed")
	ErrAssetTimeout        = errors.New("ai asset still processing")
)
