package definition

import "errors"

var (
	// ErrUnsupportedFormat — расширение файла не поддерживается.
	ErrUnsupportedFormat = errors.New("unsupported definition format")

	// ErrDecode — файл не удалось декодировать.
	ErrDecode = errors.New("decode definition")

	// ErrInvalidDefinition — определение не прошло проверку тегов.
	ErrInvalidDefinition = errors.New("invalid pipeline definition")

	// ErrPipelineNotFound — pipeline отсутствует в каталоге.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrDuplicatePipeline — два файла определяют pipeline с одним именем.
	ErrDuplicatePipeline = errors.New("duplicate pipeline name")
)
