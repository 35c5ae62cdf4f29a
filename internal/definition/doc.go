// Package definition загружает определения pipeline из файлов.
//
// Поддерживаемые форматы: YAML (.yaml, .yml), JSON (.json) и HCL (.hcl).
// После декодирования определение проходит проверку тегов validator
// и engine.Validate (зависимости, циклы).
//
// Catalog хранит определения из директории и может следить за ней
// через fsnotify, перезагружая определения при изменениях.
//
// Пример HCL:
//
//	pipeline "feature-delivery" {
//	  version = "1.0"
//
//	  stage "requirements" {
//	    type            = "prompt"
//	    prompt_template = "Write requirements for {{ .Inputs.feature }}"
//
//	    rule "no_todo" {
//	      type       = "contains_text"
//	      severity   = "warning"
//	      parameters = { text = "TODO", mode = "absent" }
//	    }
//	  }
//
//	  stage "design" {
//	    type         = "prompt"
//	    dependencies = ["requirements"]
//	  }
//	}
package definition
