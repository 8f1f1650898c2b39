package schema

import "time"

// Project groups tasks and carries the shared prompt context.
type Project struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	GlobalPrompt     string `json:"globalPrompt"`
	KnowledgeContext string `json:"knowledgeContext"`
	// ScheduleInterval is a Go duration ("24h"); empty means not scheduled.
	ScheduleInterval string `json:"scheduleInterval"`
	LastRun          Stamp  `json:"lastRun"`
	NextRun          Stamp  `json:"nextRun"`
	UpdatedAt        Stamp  `json:"updatedAt"`
}

func (p *Project) Kind() Kind { return KindProject }
func (p *Project) Key() string { return p.ID }
func (p *Project) Version() Stamp { return p.UpdatedAt }
func (p *Project) SetVersion(s Stamp) { p.UpdatedAt = s }

// Interval parses ScheduleInterval. ok is false when the project is not
// scheduled.
func (p *Project) Interval() (d time.Duration, ok bool, err error) {
	if p.ScheduleInterval == "" {
		return 0, false, nil
	}
	d, err = time.ParseDuration(p.ScheduleInterval)
	if err != nil {
		return 0, false, &ValidationError{Kind: KindProject, Field: "scheduleInterval", Reason: err.Error()}
	}
	if d <= 0 {
		return 0, false, &ValidationError{Kind: KindProject, Field: "scheduleInterval", Reason: "must be positive"}
	}
	return d, true, nil
}

// Validate checks required fields and stamp formats.
func (p *Project) Validate() error {
	if p.ID == "" {
		return &ValidationError{Kind: KindProject, Field: "id", Reason: "is required"}
	}
	if p.Name == "" {
		return &ValidationError{Kind: KindProject, Field: "name", Reason: "is required"}
	}
	if err := validateStamp("updatedAt", p.UpdatedAt, true); err != nil {
		return withKind(err, KindProject)
	}
	if err := validateStamp("lastRun", p.LastRun, false); err != nil {
		return withKind(err, KindProject)
	}
	if err := validateStamp("nextRun", p.NextRun, false); err != nil {
		return withKind(err, KindProject)
	}
	if _, _, err := p.Interval(); err != nil {
		return err
	}
	return nil
}

func withKind(err error, kind Kind) error {
	if ve, ok := err.(*ValidationError); ok && ve.Kind == "" {
		ve.Kind = kind
	}
	return err
}
