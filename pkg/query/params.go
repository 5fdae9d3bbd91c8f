package query

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/edgeflare/pgrest/pkg/errs"
	"github.com/mitchellh/mapstructure"
)

// RawParams are the query string parameters understood by reads and writes. A nil field
// means the parameter was absent.
type RawParams struct {
	Columns  *string `mapstructure:"columns"`
	Distinct *string `mapstructure:"distinct"`
	Where    *string `mapstructure:"where"`
	GroupBy  *string `mapstructure:"group_by"`
	OrderBy  *string `mapstructure:"order_by"`
	Limit    *string `mapstructure:"limit"`
	Offset   *string `mapstructure:"offset"`

	ConflictAction   *string `mapstructure:"conflict_action"`
	ConflictTarget   *string `mapstructure:"conflict_target"`
	ReturningColumns *string `mapstructure:"returning_columns"`
}

// ParseParams decodes the first value of each known parameter. Unknown parameters are
// ignored.
func ParseParams(values url.Values) (RawParams, error) {
	input := make(map[string]any, len(values))
	for key, vs := range values {
		if len(vs) > 0 {
			input[strings.ToLower(key)] = vs[0]
		}
	}

	var params RawParams
	if err := mapstructure.Decode(input, &params); err != nil {
		return RawParams{}, errs.Wrap(errs.KindClientValidation, errs.CodeInvalidParam, "decode query parameters", err)
	}
	return params, nil
}

// columnItem is one entry of a comma separated column list: "path [AS alias]".
type columnItem struct {
	Path  []string
	Alias string
}

var columnItemRe = regexp.MustCompile(`(?i)^([^\s]+)(?:\s+as\s+([^\s]+))?$`)

// parseColumnList splits a comma separated list of column paths. Identifiers fold to lower
// case; the alias defaults to the dotted path.
func parseColumnList(param, s string) ([]columnItem, error) {
	parts := strings.Split(s, ",")
	items := make([]columnItem, 0, len(parts))
	for _, part := range parts {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			return nil, invalidParam(param, "contains an empty column name")
		}
		m := columnItemRe.FindStringSubmatch(part)
		if m == nil {
			return nil, invalidParam(param, fmt.Sprintf("cannot parse %q, expected <column> [AS <alias>]", part))
		}
		path := strings.Split(m[1], ".")
		for _, seg := range path {
			if seg == "" {
				return nil, invalidParam(param, fmt.Sprintf("%q has an empty path segment", m[1]))
			}
		}
		alias := m[2]
		if alias == "" {
			alias = m[1]
		}
		items = append(items, columnItem{Path: path, Alias: alias})
	}
	return items, nil
}

type orderItem struct {
	Path []string
	Desc bool
}

func parseOrderList(s string) ([]orderItem, error) {
	parts := strings.Split(s, ",")
	items := make([]orderItem, 0, len(parts))
	for _, part := range parts {
		fields := strings.Fields(strings.ToLower(part))
		var item orderItem
		switch len(fields) {
		case 1:
		case 2:
			switch fields[1] {
			case "asc":
			case "desc":
				item.Desc = true
			default:
				return nil, invalidParam("order_by", fmt.Sprintf("unknown direction %q, expected ASC or DESC", fields[1]))
			}
		default:
			return nil, invalidParam("order_by", fmt.Sprintf("cannot parse %q, expected <column> [ASC|DESC]", strings.TrimSpace(part)))
		}
		item.Path = strings.Split(fields[0], ".")
		items = append(items, item)
	}
	return items, nil
}

// parseLimit returns the row cap for raw: absent, malformed, negative or oversized
// values all yield limitCap. Zero is kept.
func parseLimit(raw *string, limitCap uint64) uint64 {
	if raw == nil {
		return limitCap
	}
	n, err := strconv.ParseInt(strings.TrimSpace(*raw), 10, 64)
	if err != nil || n < 0 || uint64(n) > limitCap {
		return limitCap
	}
	return uint64(n)
}

// parseOffset returns 0 for absent, malformed or negative values.
func parseOffset(raw *string) uint64 {
	if raw == nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(*raw), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return uint64(n)
}

func invalidParam(param, msg string) error {
	return errs.Newf(errs.KindClientValidation, errs.CodeInvalidParam, "invalid `%s`: %s", param, msg)
}
