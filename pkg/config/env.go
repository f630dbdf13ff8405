package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// EnvFieldError indica uma variável de ambiente que não pôde ser convertida
// para o tipo do campo.
type EnvFieldError struct {
	Field  string
	EnvVar string
	Value  string
	Err    error
}

func (e *EnvFieldError) Error() string {
	return fmt.Sprintf("config: campo %s a partir de %s=%q: %v", e.Field, e.EnvVar, e.Value, e.Err)
}

func (e *EnvFieldError) Unwrap() error { return e.Err }

// ApplyEnv sobrescreve campos com tag `env` quando a variável está definida.
// Variáveis ausentes ou vazias mantêm o valor vindo do YAML.
func ApplyEnv(target interface{}) error {
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: ApplyEnv espera ponteiro para struct, recebeu %T", target)
	}
	return applyEnvStruct(val.Elem(), "")
}

func applyEnvStruct(val reflect.Value, path string) error {
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !field.CanSet() {
			continue
		}
		name := fieldType.Name
		if path != "" {
			name = path + "." + name
		}

		if field.Kind() == reflect.Struct {
			if err := applyEnvStruct(field, name); err != nil {
				return err
			}
			continue
		}

		envVar := fieldType.Tag.Get("env")
		if envVar == "" {
			continue
		}
		raw, ok := os.LookupEnv(envVar)
		if !ok || raw == "" {
			continue
		}
		if err := setFromEnv(field, raw); err != nil {
			return &EnvFieldError{Field: name, EnvVar: envVar, Value: raw, Err: err}
		}
	}
	return nil
}

func setFromEnv(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.ToLower(raw))
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("tipo %s não suportado", field.Type())
	}
	return nil
}
