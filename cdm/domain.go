package cdm

// Domain OMOP 临床事件表的字段约定
type Domain struct {
	Table        string
	IDField      string
	ConceptField string
	StartField   string
	EndField     string
	ValueField   string
}

// 支持的事件表
var domains = map[string]Domain{
	"condition_occurrence": {
		Table:        "condition_occurrence",
		IDField:      "condition_occurrence_id",
		ConceptField: "condition_concept_id",
		StartField:   "condition_start_date",
		EndField:     "condition_end_date",
	},
	"drug_exposure": {
		Table:        "drug_exposure",
		IDField:      "drug_exposure_id",
		ConceptField: "drug_concept_id",
		StartField:   "drug_exposure_start_date",
		EndField:     "drug_exposure_end_date",
	},
	"procedure_occurrence": {
		Table:        "procedure_occurrence",
		IDField:      "procedure_occurrence_id",
		ConceptField: "procedure_concept_id",
		StartField:   "procedure_date",
	},
	"measurement": {
		Table:        "measurement",
		IDField:      "measurement_id",
		ConceptField: "measurement_concept_id",
		StartField:   "measurement_date",
		ValueField:   "value_as_number",
	},
	"observation": {
		Table:        "observation",
		IDField:      "observation_id",
		ConceptField: "observation_concept_id",
		StartField:   "observation_date",
		ValueField:   "value_as_number",
	},
	"visit_occurrence": {
		Table:        "visit_occurrence",
		IDField:      "visit_occurrence_id",
		ConceptField: "visit_concept_id",
		StartField:   "visit_start_date",
		EndField:     "visit_end_date",
	},
}

// LookupDomain 按表名查找事件表约定
func LookupDomain(table string) (Domain, bool) {
	d, ok := domains[table]
	return d, ok
}

// Fields 返回该表查询所需的字段
func (d Domain) Fields() []string {
	fields := []string{d.IDField, "person_id", d.ConceptField, d.StartField}
	if d.EndField != "" {
		fields = append(fields, d.EndField)
	}
	if d.ValueField != "" {
		fields = append(fields, d.ValueField)
	}
	return fields
}
