package template

import (
	"strconv"
	"strings"
)

// segment representa uma parte de um caminho pontilhado.
// Ex: "itens[1].sku" -> {campo: itens} {índice: 1} {campo: sku}
type segment struct {
	field   string
	isIndex bool
	index   int
}

// parsePath converte "a.b[0].c" em segmentos. Índices inválidos tornam o caminho inexistente.
func parsePath(path string) ([]segment, bool) {
	var parts []segment
	for _, raw := range strings.Split(path, ".") {
		if raw == "" {
			return nil, false
		}
		for raw != "" {
			open := strings.IndexByte(raw, '[')
			if open == -1 {
				parts = append(parts, segment{field: raw})
				break
			}
			if open > 0 {
				parts = append(parts, segment{field: raw[:open]})
			}
			closing := strings.IndexByte(raw[open:], ']')
			if closing == -1 {
				return nil, false
			}
			idx, err := strconv.Atoi(raw[open+1 : open+closing])
			if err != nil || idx < 0 {
				return nil, false
			}
			parts = append(parts, segment{isIndex: true, index: idx})
			raw = raw[open+closing+1:]
		}
	}
	return parts, len(parts) > 0
}

// Lookup navega em mapas e arrays decodificados de JSON.
// O segundo retorno é false quando qualquer parte do caminho não existe.
func Lookup(data interface{}, path string) (interface{}, bool) {
	parts, ok := parsePath(strings.TrimSpace(path))
	if !ok {
		return nil, false
	}

	current := data
	for _, p := range parts {
		if p.isIndex {
			arr, ok := current.([]interface{})
			if !ok || p.index >= len(arr) {
				return nil, false
			}
			current = arr[p.index]
			continue
		}

		switch m := current.(type) {
		case map[string]interface{}:
			v, exists := m[p.field]
			if !exists {
				return nil, false
			}
			current = v
		case map[string]string:
			v, exists := m[p.field]
			if !exists {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	return current, true
}
