package store

import (
	"context"
	"database/sql"
)

// GroupStore 读取群成员信息，用于刷新群聊会话的成员数。
type GroupStore struct{ DB *sql.DB }

func NewGroupStore(db *sql.DB) *GroupStore { return &GroupStore{DB: db} }

// CountMembers 返回群当前成员数。
func (s *GroupStore) CountMembers(ctx context.Context, groupID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM group_members WHERE group_id=?`, groupID).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
