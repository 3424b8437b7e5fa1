package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomctl/loom/internal/domain"
)

// Row models mirror table columns. Timestamps are Unix milliseconds so
// that creation order survives the round trip; JSON columns hold maps
// and string lists.

type taskModel struct {
	ID                  string
	Description         string
	Status              string
	Progress            int
	CheckpointFrequency string
	PrivacyLevel        string
	ToolPreferences     string
	Metadata            string
	CreatedAt           int64
	UpdatedAt           int64
	StartedAt           *int64
	CompletedAt         *int64
}

func toTaskModel(t *domain.Task) (*taskModel, error) {
	prefs, err := encodeStrings(t.ToolPreferences)
	if err != nil {
		return nil, fmt.Errorf("encode tool_preferences: %w", err)
	}
	meta, err := encodeMap(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return &taskModel{
		ID:                  t.ID.String(),
		Description:         t.Description,
		Status:              t.Status.String(),
		Progress:            t.Progress,
		CheckpointFrequency: string(t.CheckpointFrequency),
		PrivacyLevel:        string(t.PrivacyLevel),
		ToolPreferences:     prefs,
		Metadata:            meta,
		CreatedAt:           t.CreatedAt.UnixMilli(),
		UpdatedAt:           t.UpdatedAt.UnixMilli(),
		StartedAt:           timePtrToMilli(t.StartedAt),
		CompletedAt:         timePtrToMilli(t.CompletedAt),
	}, nil
}

func (m *taskModel) toDomain() (*domain.Task, error) {
	prefs, err := decodeStrings(m.ToolPreferences)
	if err != nil {
		return nil, fmt.Errorf("decode tool_preferences: %w", err)
	}
	meta, err := decodeMap(m.Metadata)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &domain.Task{
		ID:                  domain.TaskID(m.ID),
		Description:         m.Description,
		Status:              domain.TaskStatus(m.Status),
		Progress:            m.Progress,
		CheckpointFrequency: domain.CheckpointFrequency(m.CheckpointFrequency),
		PrivacyLevel:        domain.PrivacyLevel(m.PrivacyLevel),
		ToolPreferences:     prefs,
		Metadata:            meta,
		CreatedAt:           milliToTime(m.CreatedAt),
		UpdatedAt:           milliToTime(m.UpdatedAt),
		StartedAt:           milliPtrToTime(m.StartedAt),
		CompletedAt:         milliPtrToTime(m.CompletedAt),
	}, nil
}

type subtaskModel struct {
	ID              string
	TaskID          string
	Name            string
	Description     string
	Status          string
	Progress        int
	SubtaskType     string
	RecommendedTool *string
	AssignedWorker  *string
	AssignedTool    *string
	Complexity      int
	Priority        int
	Dependencies    string
	Input           string
	Output          *string
	Error           *string
	CreatedAt       int64
	UpdatedAt       int64
	StartedAt       *int64
	CompletedAt     *int64
}

func toSubtaskModel(s *domain.Subtask) (*subtaskModel, error) {
	deps := make([]string, len(s.Dependencies))
	for i, d := range s.Dependencies {
		deps[i] = d.String()
	}
	depsJSON, err := encodeStrings(deps)
	if err != nil {
		return nil, fmt.Errorf("encode dependencies: %w", err)
	}
	input, err := encodeMap(s.Input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	m := &subtaskModel{
		ID:           s.ID.String(),
		TaskID:       s.TaskID.String(),
		Name:         s.Name,
		Description:  s.Description,
		Status:       s.Status.String(),
		Progress:     s.Progress,
		SubtaskType:  s.SubtaskType.String(),
		Complexity:   s.Complexity,
		Priority:     s.Priority,
		Dependencies: depsJSON,
		Input:        input,
		CreatedAt:    s.CreatedAt.UnixMilli(),
		UpdatedAt:    s.UpdatedAt.UnixMilli(),
		StartedAt:    timePtrToMilli(s.StartedAt),
		CompletedAt:  timePtrToMilli(s.CompletedAt),
	}
	if s.RecommendedTool != "" {
		m.RecommendedTool = &s.RecommendedTool
	}
	if s.AssignedWorker != "" {
		w := s.AssignedWorker.String()
		m.AssignedWorker = &w
	}
	if s.AssignedTool != "" {
		m.AssignedTool = &s.AssignedTool
	}
	if s.Output != nil {
		out, err := encodeMap(s.Output)
		if err != nil {
			return nil, fmt.Errorf("encode output: %w", err)
		}
		m.Output = &out
	}
	if s.Error != "" {
		m.Error = &s.Error
	}
	return m, nil
}

func (m *subtaskModel) toDomain() (*domain.Subtask, error) {
	deps, err := decodeStrings(m.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	input, err := decodeMap(m.Input)
	if err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	s := &domain.Subtask{
		ID:          domain.SubtaskID(m.ID),
		TaskID:      domain.TaskID(m.TaskID),
		Name:        m.Name,
		Description: m.Description,
		Status:      domain.SubtaskStatus(m.Status),
		Progress:    m.Progress,
		SubtaskType: domain.SubtaskType(m.SubtaskType),
		Complexity:  m.Complexity,
		Priority:    m.Priority,
		Input:       input,
		CreatedAt:   milliToTime(m.CreatedAt),
		UpdatedAt:   milliToTime(m.UpdatedAt),
		StartedAt:   milliPtrToTime(m.StartedAt),
		CompletedAt: milliPtrToTime(m.CompletedAt),
	}
	if len(deps) > 0 {
		s.Dependencies = make([]domain.SubtaskID, len(deps))
		for i, d := range deps {
			s.Dependencies[i] = domain.SubtaskID(d)
		}
	}
	if m.RecommendedTool != nil {
		s.RecommendedTool = *m.RecommendedTool
	}
	if m.AssignedWorker != nil {
		s.AssignedWorker = domain.WorkerID(*m.AssignedWorker)
	}
	if m.AssignedTool != nil {
		s.AssignedTool = *m.AssignedTool
	}
	if m.Output != nil {
		out, err := decodeMap(*m.Output)
		if err != nil {
			return nil, fmt.Errorf("decode output: %w", err)
		}
		s.Output = out
	}
	if m.Error != nil {
		s.Error = *m.Error
	}
	return s, nil
}

type workerModel struct {
	ID            string
	MachineID     string
	MachineName   string
	Status        string
	Tools         string
	CPUPercent    *float64
	MemoryPercent *float64
	DiskPercent   *float64
	SystemInfo    string
	LastHeartbeat int64
	RegisteredAt  int64
	UpdatedAt     int64
}

func toWorkerModel(w *domain.Worker) (*workerModel, error) {
	tools, err := encodeStrings(w.Tools)
	if err != nil {
		return nil, fmt.Errorf("encode tools: %w", err)
	}
	info, err := encodeMap(w.SystemInfo)
	if err != nil {
		return nil, fmt.Errorf("encode system_info: %w", err)
	}
	return &workerModel{
		ID:            w.ID.String(),
		MachineID:     w.MachineID,
		MachineName:   w.MachineName,
		Status:        w.Status.String(),
		Tools:         tools,
		CPUPercent:    w.Resources.CPUPercent,
		MemoryPercent: w.Resources.MemoryPercent,
		DiskPercent:   w.Resources.DiskPercent,
		SystemInfo:    info,
		LastHeartbeat: w.LastHeartbeat.UnixMilli(),
		RegisteredAt:  w.RegisteredAt.UnixMilli(),
		UpdatedAt:     w.UpdatedAt.UnixMilli(),
	}, nil
}

func (m *workerModel) toDomain() (*domain.Worker, error) {
	tools, err := decodeStrings(m.Tools)
	if err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	info, err := decodeMap(m.SystemInfo)
	if err != nil {
		return nil, fmt.Errorf("decode system_info: %w", err)
	}
	return &domain.Worker{
		ID:          domain.WorkerID(m.ID),
		MachineID:   m.MachineID,
		MachineName: m.MachineName,
		Status:      domain.WorkerStatus(m.Status),
		Tools:       tools,
		Resources: domain.ResourceUsage{
			CPUPercent:    m.CPUPercent,
			MemoryPercent: m.MemoryPercent,
			DiskPercent:   m.DiskPercent,
		},
		SystemInfo:    info,
		LastHeartbeat: milliToTime(m.LastHeartbeat),
		RegisteredAt:  milliToTime(m.RegisteredAt),
		UpdatedAt:     milliToTime(m.UpdatedAt),
	}, nil
}

type apiKeyModel struct {
	ID        string
	WorkerID  string
	Prefix    string
	Hash      string
	CreatedAt int64
	ExpiresAt *int64
	RevokedAt *int64
}

func toAPIKeyModel(k *domain.WorkerAPIKey) *apiKeyModel {
	return &apiKeyModel{
		ID:        k.ID,
		WorkerID:  k.WorkerID.String(),
		Prefix:    k.Prefix,
		Hash:      k.Hash,
		CreatedAt: k.CreatedAt.UnixMilli(),
		ExpiresAt: timePtrToMilli(k.ExpiresAt),
		RevokedAt: timePtrToMilli(k.RevokedAt),
	}
}

func (m *apiKeyModel) toDomain() *domain.WorkerAPIKey {
	return &domain.WorkerAPIKey{
		ID:        m.ID,
		WorkerID:  domain.WorkerID(m.WorkerID),
		Prefix:    m.Prefix,
		Hash:      m.Hash,
		CreatedAt: milliToTime(m.CreatedAt),
		ExpiresAt: milliPtrToTime(m.ExpiresAt),
		RevokedAt: milliPtrToTime(m.RevokedAt),
	}
}

type evaluationModel struct {
	ID           string
	SubtaskID    string
	CodeQuality  float64
	Completeness float64
	Security     float64
	Architecture *float64
	Testability  *float64
	OverallScore float64
	Details      string
	EvaluatedAt  int64
}

func toEvaluationModel(e *domain.Evaluation) (*evaluationModel, error) {
	details, err := encodeMap(e.Details)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	return &evaluationModel{
		ID:           e.ID,
		SubtaskID:    e.SubtaskID.String(),
		CodeQuality:  e.CodeQuality,
		Completeness: e.Completeness,
		Security:     e.Security,
		Architecture: e.Architecture,
		Testability:  e.Testability,
		OverallScore: e.OverallScore,
		Details:      details,
		EvaluatedAt:  e.EvaluatedAt.UnixMilli(),
	}, nil
}

func (m *evaluationModel) toDomain() (*domain.Evaluation, error) {
	details, err := decodeMap(m.Details)
	if err != nil {
		return nil, fmt.Errorf("decode details: %w", err)
	}
	return &domain.Evaluation{
		ID:           m.ID,
		SubtaskID:    domain.SubtaskID(m.SubtaskID),
		CodeQuality:  m.CodeQuality,
		Completeness: m.Completeness,
		Security:     m.Security,
		Architecture: m.Architecture,
		Testability:  m.Testability,
		OverallScore: m.OverallScore,
		Details:      details,
		EvaluatedAt:  milliToTime(m.EvaluatedAt),
	}, nil
}

type checkpointModel struct {
	ID                string
	TaskID            string
	Status            string
	TriggerReason     string
	SubtasksCompleted string
	UserDecision      *string
	DecisionNotes     *string
	RequiresAttention bool
	TriggeredAt       int64
	ReviewedAt        *int64
}

func toCheckpointModel(c *domain.Checkpoint) (*checkpointModel, error) {
	snapshot := make([]string, len(c.SubtasksCompleted))
	for i, id := range c.SubtasksCompleted {
		snapshot[i] = id.String()
	}
	snapJSON, err := encodeStrings(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode subtasks_completed: %w", err)
	}
	m := &checkpointModel{
		ID:                c.ID.String(),
		TaskID:            c.TaskID.String(),
		Status:            c.Status.String(),
		TriggerReason:     c.TriggerReason.String(),
		SubtasksCompleted: snapJSON,
		RequiresAttention: c.RequiresAttention,
		TriggeredAt:       c.TriggeredAt.UnixMilli(),
		ReviewedAt:        timePtrToMilli(c.ReviewedAt),
	}
	if c.UserDecision != "" {
		d := string(c.UserDecision)
		m.UserDecision = &d
	}
	if c.DecisionNotes != "" {
		m.DecisionNotes = &c.DecisionNotes
	}
	return m, nil
}

func (m *checkpointModel) toDomain() (*domain.Checkpoint, error) {
	snapshot, err := decodeStrings(m.SubtasksCompleted)
	if err != nil {
		return nil, fmt.Errorf("decode subtasks_completed: %w", err)
	}
	c := &domain.Checkpoint{
		ID:                domain.CheckpointID(m.ID),
		TaskID:            domain.TaskID(m.TaskID),
		Status:            domain.CheckpointStatus(m.Status),
		TriggerReason:     domain.TriggerReason(m.TriggerReason),
		RequiresAttention: m.RequiresAttention,
		TriggeredAt:       milliToTime(m.TriggeredAt),
		ReviewedAt:        milliPtrToTime(m.ReviewedAt),
	}
	if len(snapshot) > 0 {
		c.SubtasksCompleted = make([]domain.SubtaskID, len(snapshot))
		for i, id := range snapshot {
			c.SubtasksCompleted[i] = domain.SubtaskID(id)
		}
	}
	if m.UserDecision != nil {
		c.UserDecision = domain.Decision(*m.UserDecision)
	}
	if m.DecisionNotes != nil {
		c.DecisionNotes = *m.DecisionNotes
	}
	return c, nil
}

type correctionModel struct {
	ID             string
	CheckpointID   string
	SubtaskID      string
	CorrectionType string
	Guidance       string
	ReferenceFiles string
	Result         string
	RetryCount     int
	ApplyToFuture  bool
	CreatedAt      int64
	UpdatedAt      int64
}

func toCorrectionModel(c *domain.Correction) (*correctionModel, error) {
	refs, err := encodeStrings(c.ReferenceFiles)
	if err != nil {
		return nil, fmt.Errorf("encode reference_files: %w", err)
	}
	return &correctionModel{
		ID:             c.ID,
		CheckpointID:   c.CheckpointID.String(),
		SubtaskID:      c.SubtaskID.String(),
		CorrectionType: c.CorrectionType,
		Guidance:       c.Guidance,
		ReferenceFiles: refs,
		Result:         c.Result.String(),
		RetryCount:     c.RetryCount,
		ApplyToFuture:  c.ApplyToFuture,
		CreatedAt:      c.CreatedAt.UnixMilli(),
		UpdatedAt:      c.UpdatedAt.UnixMilli(),
	}, nil
}

func (m *correctionModel) toDomain() (*domain.Correction, error) {
	refs, err := decodeStrings(m.ReferenceFiles)
	if err != nil {
		return nil, fmt.Errorf("decode reference_files: %w", err)
	}
	return &domain.Correction{
		ID:             m.ID,
		CheckpointID:   domain.CheckpointID(m.CheckpointID),
		SubtaskID:      domain.SubtaskID(m.SubtaskID),
		CorrectionType: m.CorrectionType,
		Guidance:       m.Guidance,
		ReferenceFiles: refs,
		Result:         domain.CorrectionResult(m.Result),
		RetryCount:     m.RetryCount,
		ApplyToFuture:  m.ApplyToFuture,
		CreatedAt:      milliToTime(m.CreatedAt),
		UpdatedAt:      milliToTime(m.UpdatedAt),
	}, nil
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeStrings(list []string) (string, error) {
	if list == nil {
		return "[]", nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStrings(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func timePtrToMilli(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func milliToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func milliPtrToTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
