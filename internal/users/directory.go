// Package users is the static directory of people wakecall may wake: their
// phone number for REMOTE_CALL delivery and their chat for controls and
// failure reports.
package users

import (
	"sort"
	"sync"
)

type User struct {
	ID       string
	Phone    string
	ChatID   int64
	Timezone string
}

// Directory is safe for concurrent use and swapped wholesale on config
// reload.
type Directory struct {
	mu     sync.RWMutex
	byID   map[string]User
	byChat map[int64]string
}

func New(list []User) *Directory {
	d := &Directory{}
	d.Apply(list)
	return d
}

func (d *Directory) Apply(list []User) {
	byID := make(map[string]User, len(list))
	byChat := make(map[int64]string, len(list))
	for _, u := range list {
		if u.ID == "" {
			continue
		}
		byID[u.ID] = u
		if u.ChatID != 0 {
			byChat[u.ChatID] = u.ID
		}
	}
	d.mu.Lock()
	d.byID, d.byChat = byID, byChat
	d.mu.Unlock()
}

func (d *Directory) Get(id string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[id]
	return u, ok
}

// PhoneNumber implements schedule.Directory.
func (d *Directory) PhoneNumber(userID string) (string, bool) {
	u, ok := d.Get(userID)
	if !ok || u.Phone == "" {
		return "", false
	}
	return u.Phone, true
}

// ChatID implements notifier.Chats.
func (d *Directory) ChatID(userID string) (int64, bool) {
	u, ok := d.Get(userID)
	if !ok || u.ChatID == 0 {
		return 0, false
	}
	return u.ChatID, true
}

// ByChat finds the user bound to a chat id.
func (d *Directory) ByChat(chatID int64) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byChat[chatID]
	if !ok {
		return User{}, false
	}
	return d.byID[id], true
}

// IDs lists known user ids in order.
func (d *Directory) IDs() []string {
	d.mu.RLock()
	ids := make([]string, 0, len(d.byID))
	for id := range d.byID {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
