package btree

import "github.com/ferrokv/ferrokv/pkg/page"

// memStore is an in-memory PageStore for unit tests: every page is its own
// byte slice, "copy-on-write" just allocates a new slice, and no page is
// ever reclaimed (FreeOverflow does drop an overflow record's bytes). It
// exists purely to exercise Node/BTree logic without
// pkg/pager's file-backed bookkeeping.
type memStore struct {
	pageSize int
	pages    [][]byte
	overflow map[page.ID][]byte
	nextOvf  page.ID
}

func newMemStore(pageSize int) *memStore {
	return &memStore{pageSize: pageSize, overflow: make(map[page.ID][]byte), nextOvf: 1 << 20}
}

func (m *memStore) PageSize() int { return m.pageSize }

func (m *memStore) Reference(id page.ID) *Node {
	return NewNode(m.pages[id], m)
}

func (m *memStore) Alloc(n int, _ page.TxID) (page.ID, error) {
	start := page.ID(len(m.pages))
	for i := 0; i < n; i++ {
		m.pages = append(m.pages, make([]byte, m.pageSize))
	}
	return start, nil
}

func (m *memStore) CopyForWrite(id page.ID, tx page.TxID) (page.ID, *Node, error) {
	newID, err := m.Alloc(1, tx)
	if err != nil {
		return page.InvalidID, nil, err
	}
	copy(m.pages[newID], m.pages[id])
	return newID, NewNode(m.pages[newID], m), nil
}

func (m *memStore) Free(page.ID, page.TxID) {}

func (m *memStore) LoadOverflow(start page.ID, keyLen, valLen int) ([]byte, []byte) {
	buf := m.overflow[start]
	return buf[:keyLen], buf[keyLen : keyLen+valLen]
}

func (m *memStore) StoreOverflow(key, val []byte, _ page.TxID) page.ID {
	id := m.nextOvf
	m.nextOvf++
	buf := make([]byte, 0, len(key)+len(val))
	buf = append(buf, key...)
	buf = append(buf, val...)
	m.overflow[id] = buf
	return id
}

func (m *memStore) FreeOverflow(start page.ID, _, _ int, _ page.TxID) { delete(m.overflow, start) }
