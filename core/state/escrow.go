package state

import (
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"workledger/native/escrow"
)

// storedMilestone mirrors escrow.Milestone with RLP-friendly field types.
// Timestamps are persisted as unsigned unix seconds because RLP cannot encode
// signed integers.
type storedMilestone struct {
	Description string
	Amount      *big.Int
	Deadline    uint64
	Status      uint8
	Deliverable string
	Validator   [20]byte
	SubmittedAt uint64
	PaidAt      uint64
	PaidAmount  *big.Int
	Attempts    uint32
	Feedback    string
}

type storedProject struct {
	ID          [32]byte
	Client      [20]byte
	Freelancer  [20]byte
	TotalBudget *big.Int
	PaidAmount  *big.Int
	Status      uint8
	Channel     [32]byte
	CreatedAt   uint64
	UpdatedAt   uint64
	Milestones  []storedMilestone
}

func toStoredProject(p *escrow.Project) storedProject {
	stored := storedProject{
		ID:          p.ID,
		Client:      p.Client,
		Freelancer:  p.Freelancer,
		TotalBudget: p.TotalBudget,
		PaidAmount:  p.PaidAmount,
		Status:      uint8(p.Status),
		Channel:     p.Channel,
		CreatedAt:   uint64(p.CreatedAt),
		UpdatedAt:   uint64(p.UpdatedAt),
		Milestones:  make([]storedMilestone, len(p.Milestones)),
	}
	for i, milestone := range p.Milestones {
		stored.Milestones[i] = storedMilestone{
			Description: milestone.Description,
			Amount:      milestone.Amount,
			Deadline:    uint64(milestone.Deadline),
			Status:      uint8(milestone.Status),
			Deliverable: milestone.Deliverable,
			Validator:   milestone.Validator,
			SubmittedAt: uint64(milestone.SubmittedAt),
			PaidAt:      uint64(milestone.PaidAt),
			PaidAmount:  milestone.PaidAmount,
			Attempts:    milestone.Attempts,
			Feedback:    milestone.Feedback,
		}
	}
	return stored
}

func (s storedProject) toProject() *escrow.Project {
	project := &escrow.Project{
		ID:          s.ID,
		Client:      s.Client,
		Freelancer:  s.Freelancer,
		TotalBudget: s.TotalBudget,
		PaidAmount:  s.PaidAmount,
		Status:      escrow.ProjectStatus(s.Status),
		Channel:     s.Channel,
		CreatedAt:   int64(s.CreatedAt),
		UpdatedAt:   int64(s.UpdatedAt),
		Milestones:  make([]*escrow.Milestone, len(s.Milestones)),
	}
	for i, stored := range s.Milestones {
		project.Milestones[i] = &escrow.Milestone{
			Description: stored.Description,
			Amount:      stored.Amount,
			Deadline:    int64(stored.Deadline),
			Status:      escrow.MilestoneStatus(stored.Status),
			Deliverable: stored.Deliverable,
			Validator:   stored.Validator,
			SubmittedAt: int64(stored.SubmittedAt),
			PaidAt:      int64(stored.PaidAt),
			PaidAmount:  stored.PaidAmount,
			Attempts:    stored.Attempts,
			Feedback:    stored.Feedback,
		}
	}
	return project
}

// ProjectPut sanitizes and persists the provided project.
func (m *Manager) ProjectPut(p *escrow.Project) error {
	sanitized, err := escrow.SanitizeProject(p)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(toStoredProject(sanitized))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(projectKey(sanitized.ID), encoded)
}

// ProjectGet loads a project by identifier. The boolean reports whether the
// project exists; corrupt records are treated as missing.
func (m *Manager) ProjectGet(id [32]byte) (*escrow.Project, bool) {
	m.mu.Lock()
	data, ok, err := m.get(projectKey(id))
	m.mu.Unlock()
	if err != nil || !ok || len(data) == 0 {
		return nil, false
	}
	var stored storedProject
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false
	}
	return stored.toProject().Clone(), true
}
