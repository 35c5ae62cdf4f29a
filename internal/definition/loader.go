package definition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/engine"
)

// Format — формат файла определения.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatHCL  Format = "hcl"
)

// FormatFromPath определяет формат по расширению файла.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".hcl":
		return FormatHCL, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse декодирует определение. filename используется в диагностике HCL.
func Parse(data []byte, format Format, filename string) (*domain.PipelineDef, error) {
	var (
		def domain.PipelineDef
		err error
	)

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&def)
		if errors.Is(err, io.EOF) {
			err = errors.New("empty document")
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&def)
	case FormatHCL:
		var parsed *domain.PipelineDef
		parsed, err = decodeHCL(data, filename)
		if parsed != nil {
			def = *parsed
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrDecode, filename, err)
	}

	return &def, nil
}

// LoadFile читает и декодирует файл определения.
func LoadFile(path string) (*domain.PipelineDef, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}

	return Parse(data, format, path)
}

// Check проверяет теги validator и структуру графа.
// Возвращает граф стадий.
func Check(def *domain.PipelineDef) (*engine.Graph, error) {
	if err := validate.Struct(def); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(msgs, "; "))
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	return engine.Validate(def)
}

// LoadAndCheck загружает файл и проверяет определение.
func LoadAndCheck(path string) (*domain.PipelineDef, *engine.Graph, error) {
	def, err := LoadFile(path)
	if err != nil {
		return nil, nil, err
	}

	graph, err := Check(def)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, graph, nil
}
