package domain

var Tables = []interface{}{
	&SessionRecord{},
	&SessionEvent{},
	&SessionLock{},
}
