package conjunction

import "fmt"

// Guard decides who may act on a mission.
type Guard struct {
	store           Store
	allowDelegation bool
}

func NewGuard(store Store, allowDelegation bool) *Guard {
	return &Guard{store: store, allowDelegation: allowDelegation}
}

// RequireOperator fails unless caller is the operator of mission id.
func (g *Guard) RequireOperator(caller Identity, id MissionID) error {
	m, err := g.store.Mission(id)
	if err != nil {
		return err
	}
	if caller == "" || caller != m.Operator {
		return fmt.Errorf("%s on mission %d: %w", caller, id, ErrNotAuthorized)
	}
	return nil
}

// RequireSubmitter fails when caller submits on behalf of another operator
// and delegation is off.
func (g *Guard) RequireSubmitter(caller, operator Identity) error {
	if operator == "" {
		return fmt.Errorf("empty operator: %w", ErrNotAuthorized)
	}
	if caller != operator && !g.allowDelegation {
		return fmt.Errorf("%s submitting for %s: %w", caller, operator, ErrNotAuthorized)
	}
	return nil
}
