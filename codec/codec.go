package codec

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/cohortdiag/types"
)

// envelope 带版本标签的出站信封
type envelope struct {
	SchemaVersion string          `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Encoder 部分结果编码器：校验白名单与抑制规则后输出字节
type Encoder struct {
	allow AllowList
}

// NewEncoder 创建编码器
func NewEncoder() *Encoder {
	return &Encoder{allow: PartialAllowList()}
}

// Encode 编码部分结果。p 会被就地规范化。
func (e *Encoder) Encode(p *types.PartialDiagnostics) ([]byte, error) {
	if p == nil {
		return nil, types.NewError(types.ErrInternalError, "encode: nil partial diagnostics")
	}
	if p.SchemaVersion == "" {
		p.SchemaVersion = types.PartialSchemaVersion
	}
	if p.SchemaVersion != types.PartialSchemaVersion {
		return nil, types.Errorf(types.ErrIncompatibleSchema,
			"encode: schema version %q, encoder writes %q", p.SchemaVersion, types.PartialSchemaVersion)
	}
	if err := CheckSuppression(p); err != nil {
		return nil, err
	}
	p.Canonicalize()

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode partial diagnostics: %w", err)
	}
	doc, err := json.Marshal(envelope{SchemaVersion: types.PartialSchemaVersion, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if err := e.allow.Check(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// CheckSuppression 拒绝任何低于阈值的未抑制计数，以及被抑制计数背后的矩与直方图
func CheckSuppression(p *types.PartialDiagnostics) error {
	if p.MinCellCount < 1 {
		return types.Errorf(types.ErrSuppressionViolation, "min_cell_count must be >= 1, got %d", p.MinCellCount)
	}
	var violation error
	p.Cells(func(path string, c types.Cell) {
		if violation == nil && !c.Suppressed && c.Value < p.MinCellCount {
			violation = types.Errorf(types.ErrSuppressionViolation,
				"%s carries count %d below min_cell_count %d", path, c.Value, p.MinCellCount)
		}
	})
	if violation != nil {
		return violation
	}
	for _, c := range p.Cohorts {
		for _, cov := range c.Covariates {
			if cov.Count.Suppressed && (cov.Moments != nil || len(cov.Histogram) > 0) {
				return types.Errorf(types.ErrSuppressionViolation,
					"cohorts[%s].covariates[%s@%d] releases statistics behind a suppressed count", c.CohortID, cov.CovariateID, cov.TimeID)
			}
			if cov.Moments != nil && cov.Moments.N < p.MinCellCount {
				return types.Errorf(types.ErrSuppressionViolation,
					"cohorts[%s].covariates[%s@%d] moments cover %d values, below min_cell_count %d",
					c.CohortID, cov.CovariateID, cov.TimeID, cov.Moments.N, p.MinCellCount)
			}
		}
	}
	return nil
}

// Decoder 部分结果解码器：版本不匹配直接失败，不做尽力解析
type Decoder struct {
	allow AllowList
}

// NewDecoder 创建解码器
func NewDecoder() *Decoder {
	return &Decoder{allow: PartialAllowList()}
}

// Decode 解码并校验部分结果
func (d *Decoder) Decode(data []byte) (*types.PartialDiagnostics, error) {
	var head struct {
		SchemaVersion string `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, types.NewError(types.ErrIncompatibleSchema, "payload is not a versioned envelope").WithCause(err)
	}
	if head.SchemaVersion != types.PartialSchemaVersion {
		return nil, types.Errorf(types.ErrIncompatibleSchema,
			"schema version %q is not supported, expected %q", head.SchemaVersion, types.PartialSchemaVersion)
	}
	if err := d.allow.Check(data); err != nil {
		return nil, err
	}

	var env envelope
	if err := types.DecodeStrict(data, &env); err != nil {
		return nil, types.NewError(types.ErrIncompatibleSchema, "malformed envelope").WithCause(err)
	}
	var p types.PartialDiagnostics
	if err := types.DecodeStrict(env.Payload, &p); err != nil {
		return nil, types.NewError(types.ErrIncompatibleSchema, "malformed partial diagnostics").WithCause(err)
	}
	if p.SchemaVersion != types.PartialSchemaVersion {
		return nil, types.Errorf(types.ErrIncompatibleSchema,
			"payload schema version %q does not match envelope", p.SchemaVersion)
	}
	if p.OrganizationID == "" {
		return nil, types.NewError(types.ErrIncompatibleSchema, "partial diagnostics carry no organization id")
	}
	if err := CheckSuppression(&p); err != nil {
		return nil, err
	}
	p.Canonicalize()
	return &p, nil
}
