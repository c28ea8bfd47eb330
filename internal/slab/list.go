package slab

// The three chain lists (partial, empty, full) are intrusive doubly
// linked lists of *header, exactly as spec.md section 3 describes.
// These helpers keep the splicing logic in one place instead of
// repeating it inline at every state transition in chain.go.

func listRemove(head **header, h *header) {
	if h.prev != nil {
		h.prev.next = h.next
	} else if *head == h {
		*head = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	}
	h.prev, h.next = nil, nil
}

func listPush(head **header, h *header) {
	h.prev = nil
	h.next = *head
	if *head != nil {
		(*head).prev = h
	}
	*head = h
}
